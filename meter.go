package main

import (
	"fmt"
	"strings"
)

// ===========================================================================
// METRIC BOOKKEEPING
// ===========================================================================
//
// Running/windowed averages and top-k accuracy. The meters deliberately keep
// the classic benchmark-output shape: a progress line per print interval with
// "current (average)" pairs, and a one-line "* " summary at the end of a
// validation pass. Distributed runs reduce [sum, count] pairs across ranks so
// the average weights every sample equally regardless of shard sizes.
//
// ===========================================================================

// Summary selects what a meter reports in the end-of-run summary line.
type Summary int

const (
	SummaryNone Summary = iota
	SummaryAverage
	SummarySum
	SummaryCount
)

// AverageMeter computes and stores the current value and running average of
// a scalar metric.
type AverageMeter struct {
	Name  string
	Fmt   string // fmt verb for values, e.g. "%6.3f"
	Kind  Summary
	Val   float64
	Avg   float64
	Sum   float64
	Count float64
}

// NewAverageMeter creates a meter. fmtVerb is the printf verb used for the
// value and average in progress lines.
func NewAverageMeter(name, fmtVerb string, kind Summary) *AverageMeter {
	return &AverageMeter{Name: name, Fmt: fmtVerb, Kind: kind}
}

// Reset clears all accumulated state.
func (m *AverageMeter) Reset() {
	m.Val, m.Avg, m.Sum, m.Count = 0, 0, 0, 0
}

// Update records a value observed for n samples.
func (m *AverageMeter) Update(val float64, n int) {
	m.Val = val
	m.Sum += val * float64(n)
	m.Count += float64(n)
	m.Avg = m.Sum / m.Count
}

// AllReduce sums the meter's sum and count across all ranks and recomputes
// the average, so every rank reports the global metric.
func (m *AverageMeter) AllReduce(w *Worker) error {
	total := []float64{m.Sum, m.Count}
	if err := w.AllReduceSum(total); err != nil {
		return fmt.Errorf("meter %s all-reduce: %w", m.Name, err)
	}
	m.Sum, m.Count = total[0], total[1]
	if m.Count > 0 {
		m.Avg = m.Sum / m.Count
	}
	return nil
}

// String renders "Name current (average)".
func (m *AverageMeter) String() string {
	return fmt.Sprintf("%s "+m.Fmt+" ("+m.Fmt+")", m.Name, m.Val, m.Avg)
}

// SummaryString renders the meter's configured summary statistic.
func (m *AverageMeter) SummaryString() string {
	switch m.Kind {
	case SummaryNone:
		return ""
	case SummaryAverage:
		return fmt.Sprintf("%s %.3f", m.Name, m.Avg)
	case SummarySum:
		return fmt.Sprintf("%s %.3f", m.Name, m.Sum)
	case SummaryCount:
		return fmt.Sprintf("%s %.3f", m.Name, m.Count)
	default:
		panic(fmt.Sprintf("meter: invalid summary kind %d", m.Kind))
	}
}

// ProgressMeter formats a set of meters into periodic progress lines.
type ProgressMeter struct {
	batchFmt string
	meters   []*AverageMeter
	prefix   string
}

// NewProgressMeter creates a progress formatter for numBatches batches.
func NewProgressMeter(numBatches int, meters []*AverageMeter, prefix string) *ProgressMeter {
	return &ProgressMeter{
		batchFmt: batchFmtStr(numBatches),
		meters:   meters,
		prefix:   prefix,
	}
}

// Display prints one progress line for the given batch index.
func (p *ProgressMeter) Display(batch int) {
	entries := []string{p.prefix + fmt.Sprintf(p.batchFmt, batch)}
	for _, m := range p.meters {
		entries = append(entries, m.String())
	}
	fmt.Println(strings.Join(entries, "\t"))
}

// DisplaySummary prints the end-of-run summary line.
func (p *ProgressMeter) DisplaySummary() {
	entries := []string{" *"}
	for _, m := range p.meters {
		if s := m.SummaryString(); s != "" {
			entries = append(entries, s)
		}
	}
	fmt.Println(strings.Join(entries, " "))
}

func batchFmtStr(numBatches int) string {
	digits := len(fmt.Sprintf("%d", numBatches))
	return fmt.Sprintf("[%%%dd/%d]", digits, numBatches)
}

// Accuracy computes top-k accuracy percentages over a [N, K] logit batch for
// each requested k: the fraction of samples whose true label ranks within the
// k highest-scored predictions, times 100.
func Accuracy(logits *Tensor, targets []int, topk ...int) []float64 {
	n, k := logits.Shape[0], logits.Shape[1]
	correct := make([]int, len(topk))
	for i := 0; i < n; i++ {
		row := logits.Data[i*k : (i+1)*k]
		target := targets[i]
		tv := row[target]
		// The label's rank is the number of classes scored strictly higher.
		rank := 0
		for j, v := range row {
			if v > tv || (v == tv && j < target) {
				rank++
			}
		}
		for ki, kk := range topk {
			if rank < kk {
				correct[ki]++
			}
		}
	}
	res := make([]float64, len(topk))
	for ki := range topk {
		res[ki] = 100 * float64(correct[ki]) / float64(n)
	}
	return res
}
