package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Interactive processes one prompt at a time: each item runs to a
// terminal status before the next prompt is accepted. There is no
// concurrency within this mode.
type Interactive struct {
	seq    *Sequencer
	writer ResultWriter
	in     io.Reader
	out    io.Writer
}

func NewInteractive(seq *Sequencer, writer ResultWriter, in io.Reader, out io.Writer) *Interactive {
	return &Interactive{seq: seq, writer: writer, in: in, out: out}
}

// Run reads prompts until EOF, "exit", or cancellation. Returns the
// summary of everything processed.
func (it *Interactive) Run(ctx context.Context, runID string) (*Summary, error) {
	scanner := bufio.NewScanner(it.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var results []*Result
	ordinal := 0

	fmt.Fprintln(it.out, "Enter a prompt (\"exit\" to quit):")
	for {
		fmt.Fprint(it.out, "> ")

		if ctx.Err() != nil {
			break
		}
		if !scanner.Scan() {
			break
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "exit" || text == "quit" {
			break
		}

		res := it.seq.Process(ctx, runID, Prompt{Text: text, Ordinal: ordinal})
		ordinal++

		it.persist(res)
		results = append(results, res)
		it.print(res)
	}

	if err := scanner.Err(); err != nil {
		return Summarize(results), fmt.Errorf("reading input: %w", err)
	}
	return Summarize(results), nil
}

func (it *Interactive) persist(res *Result) {
	if it.writer == nil {
		return
	}
	// Detached context, matching batch mode: a session ended by Ctrl-C
	// still gets its in-flight result stored.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := it.writer.WriteResult(ctx, res); err != nil {
		// Same retry-once contract as batch mode.
		if err = it.writer.WriteResult(ctx, res); err != nil && res.Error == nil {
			res.Status = StatusFailed
			res.Error = &StageError{Stage: StageResultWrite, Cause: "store", Message: err.Error()}
		}
	}
}

func (it *Interactive) print(res *Result) {
	if res.Status == StatusFailed {
		fmt.Fprintf(it.out, "FAILED at %s: %s\n\n", res.Error.Stage, res.Error.Message)
		return
	}

	fmt.Fprintf(it.out, "Input:  %s", res.Input.Label)
	if res.Input.Confidence != nil {
		fmt.Fprintf(it.out, " (%.2f)", *res.Input.Confidence)
	}
	fmt.Fprintln(it.out)

	if res.Answer != nil {
		fmt.Fprintf(it.out, "Answer: %s\n", res.Answer.Text)
	} else {
		fmt.Fprintln(it.out, "Answer: skipped")
	}

	if res.Output != nil {
		fmt.Fprintf(it.out, "Output: %s", res.Output.Label)
		if res.Output.Confidence != nil {
			fmt.Fprintf(it.out, " (%.2f)", *res.Output.Confidence)
		}
		fmt.Fprintln(it.out)
	}
	fmt.Fprintln(it.out)
}
