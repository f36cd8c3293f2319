// stagebench measures the throughput of the staging executor: it drives the
// emulated (identity) pipeline with fragmented host inputs and fragmented
// destinations, so every invocation exercises the gather path, the deferred
// scatter path and the copy worker pool.
//
// Example:
//
//	stagebench -inputs 4 -fragments 8 -batch 32 -sample_bytes 65536 -iterations 200
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/iostage/devices"
	"github.com/gomlx/iostage/executor"
	"github.com/gomlx/iostage/pipeline"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagRuntime  = flag.String("runtime", "emu", "Runtime configuration, formatted as \"<name>:<config>\".")
	flagPipeline = flag.String("pipeline", "emu", "Pipeline configuration, formatted as \"<name>:<config>\".")
	flagDevice   = flag.Int("device", 0, "Accelerator device to place the pipeline on. Use -1 for a host-only pipeline.")

	flagInputs      = flag.Int("inputs", 2, "Number of input tensors per invocation.")
	flagFragments   = flag.Int("fragments", 4, "Number of fragments each input and destination is split into. Use 1 for the zero-copy path.")
	flagBatch       = flag.Int("batch", 8, "Number of samples per batch.")
	flagSampleBytes = flag.Int("sample_bytes", 64*1024, "Bytes per sample.")
	flagIterations  = flag.Int("iterations", 100, "Number of timed invocations (plus one warm-up).")
	flagWorkers     = flag.Int("workers", 0, "Copy workers. 0 means the number of CPUs.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %q. See 'stagebench -help'.", flag.Args())
		os.Exit(1)
	}

	rt := must.M1(devices.New(*flagRuntime))
	defer rt.Finalize()
	pipe := must.M1(pipeline.New(*flagPipeline, rt, devices.Ordinal(*flagDevice)))
	defer pipe.Finalize()
	var options []executor.Option
	if *flagWorkers > 0 {
		options = append(options, executor.WithCopyWorkers(*flagWorkers))
	}
	exec := executor.New(rt, pipe, options...)
	defer exec.Finalize()

	inputs := makeInputs()
	destinations := make([][][]byte, len(inputs)) // Reused across iterations, allocated on first PutOutputs.

	// Warm-up invocation: first-use staging allocations happen here.
	runOnce(exec, inputs, destinations)
	statsBefore := exec.Stats()

	bar := progressbar.Default(int64(*flagIterations), "invocations")
	start := time.Now()
	for range *flagIterations {
		runOnce(exec, inputs, destinations)
		_ = bar.Add(1)
	}
	elapsed := time.Since(start)
	_ = bar.Finish()
	report(exec.Stats().Bytes-statsBefore.Bytes, exec.Stats().Tasks-statsBefore.Tasks, elapsed)
}

// makeInputs builds the per-invocation input descriptors: each input tensor is
// split across -fragments host buffers.
func makeInputs() []pipeline.InputDescriptor {
	inputs := make([]pipeline.InputDescriptor, *flagInputs)
	for i := range inputs {
		meta := pipeline.Meta{
			Name:  fmt.Sprintf("input%d", i),
			Shape: pipeline.UniformListShape(*flagBatch, int64(*flagSampleBytes)),
			DType: dtypes.Uint8,
		}
		inputs[i] = pipeline.InputDescriptor{
			Meta:    meta,
			Buffers: fragment(meta.NumBytes(), *flagFragments),
		}
	}
	return inputs
}

// fragment allocates total bytes split across n host buffers.
func fragment(total, n int) []devices.Memory {
	buffers := make([]devices.Memory, n)
	chunk := total / n
	for i := range buffers {
		size := chunk
		if i == n-1 {
			size = total - chunk*(n-1)
		}
		buffers[i] = devices.FromBytes(make([]byte, size))
	}
	return buffers
}

// runOnce executes one full invocation: Run plus PutOutputs into fragmented
// host destinations, reusing the destination buffers across iterations.
func runOnce(exec *executor.Executor, inputs []pipeline.InputDescriptor, destinations [][][]byte) {
	infos := must.M1(exec.Run(inputs))
	outputs := make([]pipeline.OutputDescriptor, len(infos))
	for i, info := range infos {
		total := int(info.Shape.NumElements()) * int(info.DType.Size())
		if destinations[i] == nil {
			chunks := fragment(total, *flagFragments)
			destinations[i] = make([][]byte, len(chunks))
			for j, chunk := range chunks {
				destinations[i][j] = chunk.Bytes()
			}
		}
		buffers := make([]devices.Memory, len(destinations[i]))
		for j, chunk := range destinations[i] {
			buffers[j] = devices.FromBytes(chunk)
		}
		outputs[i] = pipeline.OutputDescriptor{
			Meta:    pipeline.Meta{Name: inputs[i].Meta.Name, Shape: info.Shape, DType: info.DType},
			Buffers: buffers,
		}
	}
	must.M(exec.PutOutputs(outputs))
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).PaddingLeft(1).PaddingRight(1)
	cellStyle   = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
)

func report(bytesStaged, copyTasks int64, elapsed time.Duration) {
	perInvocation := elapsed / time.Duration(*flagIterations)
	throughput := float64(bytesStaged) / elapsed.Seconds()
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("Metric", "Value").
		Row("Invocations", fmt.Sprintf("%d", *flagIterations)).
		Row("Wall time", elapsed.Round(time.Millisecond).String()).
		Row("Latency / invocation", perInvocation.Round(time.Microsecond).String()).
		Row("Copy tasks", fmt.Sprintf("%d", copyTasks)).
		Row("Bytes staged", humanize.IBytes(uint64(bytesStaged))).
		Row("Staging throughput", humanize.IBytes(uint64(throughput))+"/s")
	fmt.Println(table.Render())
}
