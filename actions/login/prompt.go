package login

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"

	"github.com/PiotrWarzachowski/go-instalive/internal/log"
)

var errNoTerminal = errors.New("password not configured and stdin is not a terminal")

// promptPassword prompts for password input (hidden)
func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}

	fmt.Print(prompt)
	password, err := term.ReadPassword(fd)
	fmt.Println() // New line after password input
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(password)), nil
}

// promptInput prompts for user input
func promptInput(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// withSpinner runs fn with a spinner below the log output when logging to a
// terminal.
func withSpinner(logger *log.Logger, name string, fn func()) {
	out, ok := logger.Writer().(*os.File)
	if !ok || !term.IsTerminal(int(out.Fd())) {
		fn()
		return
	}

	progress := mpb.New(mpb.WithOutput(out), mpb.WithWidth(1))
	spinner := progress.New(0,
		mpb.SpinnerStyle().PositionLeft(),
		mpb.BarFillerClearOnComplete(),
		mpb.AppendDecorators(
			decor.OnComplete(decor.Name(name, decor.WCSyncSpaceR), ""),
			decor.OnComplete(decor.Elapsed(decor.ET_STYLE_GO, decor.WCSyncSpace), ""),
		),
	)

	logger.SetOutput(progress)
	defer logger.SetOutput(out)

	fn()
	spinner.SetTotal(-1, true)
	progress.Wait()
}
