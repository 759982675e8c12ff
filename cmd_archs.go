package main

import "fmt"

// RunArchsCommand lists the supported architectures and their native input
// resolutions.
func RunArchsCommand(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("archs takes no arguments")
	}
	fmt.Println("Supported architectures:")
	for _, name := range ModelNames() {
		size, err := DefaultImageSize(name)
		if err != nil {
			return err
		}
		fmt.Printf("  %-10s %dx%d\n", name, size, size)
	}
	return nil
}
