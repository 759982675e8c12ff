package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) > 1 {
		cmd := os.Args[1]
		switch cmd {
		case "train":
			if err := RunTrainCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "validate":
			if err := RunValidateCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "benchmark":
			if err := RunBenchmarkCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "archs":
			if err := RunArchsCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "help", "-h", "--help":
			printUsage()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
			printUsage()
			os.Exit(1)
		}
	}

	// Default: show help
	printUsage()
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  imagenet-bench [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  train      Train a classifier and checkpoint the best model")
	fmt.Println("  validate   Evaluate a model: accuracy, latency, throughput")
	fmt.Println("  benchmark  Sweep forward-pass throughput across batch sizes")
	fmt.Println("  archs      List supported architectures")
	fmt.Println("  help       Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  imagenet-bench train --dummy -a resnet18 -b 32 --num-iter 20 --epochs 1")
	fmt.Println("  imagenet-bench train --data /data/imagenet -a resnet34 --epochs 90")
	fmt.Println("  imagenet-bench validate --dummy -a resnet18 --resume checkpoint.ckpt --compile")
	fmt.Println("  imagenet-bench validate --dummy -a simplecnn --precision bfloat16")
	fmt.Println("  imagenet-bench benchmark -a simplecnn --batch-sizes 1,8,32 --output bench.json")
	fmt.Println("  imagenet-bench train --dummy --multiprocessing-distributed --world-size 4")
	fmt.Println()
}
