// Package convert runs the external document converters (ghostscript, tiff2pdf)
// as child processes and maps their failures to fax.ConversionError.
package convert

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"faxbridge/internal/fax"
	"faxbridge/pkg/logger"
)

// Format is a converter target format; its value doubles as the file extension.
type Format string

const (
	FormatTIFF Format = "tiff"
	FormatPDF  Format = "pdf"
)

func (f Format) Ext() string { return "." + string(f) }

const (
	placeholderInput  = "{input}"
	placeholderOutput = "{output}"

	// How long a killed converter may keep its stdio open before Wait gives up.
	waitDelay = 5 * time.Second
)

// Limiter bounds how many converters run at once.
type Limiter interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Gateway invokes one configured command template per target format.
type Gateway struct {
	commands map[Format][]string
	timeout  time.Duration
	limiter  Limiter
}

type Options struct {
	// Commands maps a target format to an argument template such as
	// "gs -q -sOutputFile={output} {input}".
	Commands map[Format]string
	Timeout  time.Duration
	Limiter  Limiter
}

func New(opts Options) (*Gateway, error) {
	g := &Gateway{commands: make(map[Format][]string, len(opts.Commands)), timeout: opts.Timeout, limiter: opts.Limiter}
	for f, tpl := range opts.Commands {
		args := strings.Fields(tpl)
		if len(args) == 0 {
			return nil, errors.New("convert: empty command template for " + string(f))
		}
		g.commands[f] = args
	}
	if g.timeout <= 0 {
		g.timeout = 2 * time.Minute
	}
	return g, nil
}

// OutputPath derives the converter output path: the input's extension is
// replaced (case-insensitively) with the target's and whitespace in the file
// name becomes "_", since the dialer cannot reliably watch such paths.
func OutputPath(input string, target Format) string {
	dir, base := filepath.Split(input)
	if ext := filepath.Ext(base); ext != "" {
		base = base[:len(base)-len(ext)]
	}
	base = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, base) + target.Ext()
	return dir + base
}

// Convert runs the converter for target and returns the written output path.
// On failure the output path must not be referenced; partial output may remain.
func (g *Gateway) Convert(ctx context.Context, inputPath string, target Format) (string, error) {
	tpl, ok := g.commands[target]
	if !ok {
		return "", &fax.ConversionError{Command: string(target), ExitStatus: -1, Err: errors.New("no converter configured")}
	}
	outputPath := OutputPath(inputPath, target)
	args := expand(tpl, inputPath, outputPath)

	if g.limiter != nil {
		release, err := g.limiter.Acquire(ctx)
		if err != nil {
			return "", &fax.ConversionError{Command: args[0], ExitStatus: -1, Err: err}
		}
		defer release()
	}

	runCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	logger.From(ctx).Debug("converter finished",
		"command", args[0],
		"input", inputPath,
		"output", outputPath,
		"duration_ms", time.Since(start).Milliseconds(),
		"err", err,
	)
	if err != nil {
		ce := &fax.ConversionError{
			Command:    strings.Join(args, " "),
			ExitStatus: -1,
			Stderr:     strings.TrimSpace(stderr.String()),
			Err:        err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			ce.ExitStatus = exitErr.ExitCode()
		}
		if runCtx.Err() != nil {
			ce.Err = runCtx.Err()
		}
		return "", ce
	}
	return outputPath, nil
}

// expand substitutes the placeholders argument by argument so paths are
// never split or shell-interpreted.
func expand(tpl []string, input, output string) []string {
	out := make([]string, len(tpl))
	for i, a := range tpl {
		a = strings.ReplaceAll(a, placeholderInput, input)
		out[i] = strings.ReplaceAll(a, placeholderOutput, output)
	}
	return out
}
