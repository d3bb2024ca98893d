package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Prompter answers yes/no questions. Lifecycle operations take one so tests
// can script the answers.
type Prompter interface {
	Confirm(message string) bool
}

// Terminal asks on stdout and reads the answer from In (stdin by default).
// Anything other than y/yes declines.
type Terminal struct {
	In io.Reader
}

func (t Terminal) Confirm(message string) bool {
	in := t.In
	if in == nil {
		in = os.Stdin
	}
	fmt.Printf("%s [y/N] ", message)

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// Static always answers the same way. For tests.
type Static struct {
	Answer bool
}

func (s Static) Confirm(message string) bool {
	return s.Answer
}
