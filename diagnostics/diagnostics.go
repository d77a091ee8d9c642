// Package diagnostics formats configuration, program and kernel halt errors
// and prints them in a consistent way.
package diagnostics

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"gopkg.in/yaml.v2"

	"github.com/tinygo-org/rtkernel/kernel"
)

// Position is a location in a source file. A zero Line means the position
// only names the file.
type Position struct {
	Filename string
	Line     int
	Column   int
}

// IsValid reports whether the position points somewhere.
func (pos Position) IsValid() bool {
	return pos.Filename != "" || pos.Line > 0
}

func (pos Position) String() string {
	s := pos.Filename
	if pos.Line > 0 {
		if s != "" {
			s += ":"
		}
		s += strconv.Itoa(pos.Line)
		if pos.Column > 0 {
			s += ":" + strconv.Itoa(pos.Column)
		}
	}
	return s
}

// Error is an error at a known position, like a bad line in a simulator
// program or a configuration file that failed to decode.
type Error struct {
	Pos Position
	Err error
}

func (e *Error) Error() string {
	if !e.Pos.IsValid() {
		return e.Err.Error()
	}
	return e.Pos.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// A single diagnostic.
type Diagnostic struct {
	Pos Position
	Msg string
}

// Diagnostics of a single file, or of errors not tied to any file.
type FileDiagnostic struct {
	Filename    string
	Diagnostics []Diagnostic
}

// Diagnostics of a whole run, grouped by file.
type ProgramDiagnostic []FileDiagnostic

// CreateDiagnostics reads the underlying errors in the error object and creates
// a set of diagnostics that's sorted and can be readily printed.
func CreateDiagnostics(err error) ProgramDiagnostic {
	if err == nil {
		return nil
	}
	var progDiag ProgramDiagnostic
	index := map[string]int{}
	for _, diag := range createDiagnostics(err) {
		i, ok := index[diag.Pos.Filename]
		if !ok {
			i = len(progDiag)
			index[diag.Pos.Filename] = i
			progDiag = append(progDiag, FileDiagnostic{Filename: diag.Pos.Filename})
		}
		progDiag[i].Diagnostics = append(progDiag[i].Diagnostics, diag)
	}

	// Sort the diagnostics of each file by line/column.
	for _, fileDiag := range progDiag {
		sort.SliceStable(fileDiag.Diagnostics, func(i, j int) bool {
			posI := fileDiag.Diagnostics[i].Pos
			posJ := fileDiag.Diagnostics[j].Pos
			if posI.Line != posJ.Line {
				return posI.Line < posJ.Line
			}
			return posI.Column < posJ.Column
		})
	}
	return progDiag
}

// yaml.v2 reports positions inside the message text only.
var (
	yamlLine     = regexp.MustCompile(`yaml: line (\d+): `)
	yamlTypeLine = regexp.MustCompile(`^line (\d+): `)
)

// Extract diagnostics from the given error and return them as a slice (which
// in many cases will just be a single diagnostic).
func createDiagnostics(err error) []Diagnostic {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var diags []Diagnostic
		for _, err := range joined.Unwrap() {
			diags = append(diags, createDiagnostics(err)...)
		}
		return diags
	}

	var (
		posErr  *Error
		typeErr *yaml.TypeError
		haltErr *kernel.HaltError
	)
	switch {
	case errors.As(err, &posErr):
		diags := createDiagnostics(posErr.Err)
		for i := range diags {
			if diags[i].Pos.Filename == "" {
				diags[i].Pos.Filename = posErr.Pos.Filename
			}
			if diags[i].Pos.Line == 0 {
				diags[i].Pos.Line = posErr.Pos.Line
				diags[i].Pos.Column = posErr.Pos.Column
			}
		}
		return diags
	case errors.As(err, &typeErr):
		var diags []Diagnostic
		for _, msg := range typeErr.Errors {
			diag := Diagnostic{Msg: msg}
			if m := yamlTypeLine.FindStringSubmatch(msg); m != nil {
				diag.Pos.Line, _ = strconv.Atoi(m[1])
				diag.Msg = msg[len(m[0]):]
			}
			diags = append(diags, diag)
		}
		return diags
	case errors.As(err, &haltErr):
		msg := haltErr.Error()
		if desc, ok := lockClassViolations[haltErr.Reason]; ok {
			msg += " (" + desc + ")"
		}
		return []Diagnostic{{Msg: msg}}
	}

	msg := err.Error()
	if loc := yamlLine.FindStringSubmatchIndex(msg); loc != nil {
		line, _ := strconv.Atoi(msg[loc[2]:loc[3]])
		return []Diagnostic{{
			Pos: Position{Line: line},
			Msg: msg[:loc[0]] + msg[loc[1]:],
		}}
	}
	return []Diagnostic{{Msg: msg}}
}

// Descriptions of the lock class violations detected by the kernel.
var lockClassViolations = map[string]string{
	"SV#4":  "Lock called from an interrupt or within a critical section",
	"SV#5":  "Unlock called from an interrupt or outside a critical section",
	"SV#6":  "LockFromISR called outside an interrupt or within a critical section",
	"SV#7":  "UnlockFromISR called outside an interrupt or a critical section",
	"SV#8":  "interrupt entered within a critical section",
	"SV#9":  "interrupt left within a critical section",
	"SV#10": "I-class function called outside a critical section",
	"SV#11": "S-class function called from an interrupt or outside a critical section",
}

// Write program diagnostics to the given writer with 'wd' as the relative
// working directory.
func (progDiag ProgramDiagnostic) WriteTo(w io.Writer, wd string) {
	for _, fileDiag := range progDiag {
		fileDiag.WriteTo(w, wd)
	}
}

// Write file diagnostics to the given writer with 'wd' as the relative
// working directory.
func (fileDiag FileDiagnostic) WriteTo(w io.Writer, wd string) {
	for _, diag := range fileDiag.Diagnostics {
		diag.WriteTo(w, wd)
	}
}

// Write this diagnostic to the given writer with 'wd' as the relative working
// directory.
func (diag Diagnostic) WriteTo(w io.Writer, wd string) {
	if !diag.Pos.IsValid() {
		fmt.Fprintln(w, diag.Msg)
		return
	}
	pos := RelativePosition(diag.Pos, wd)
	fmt.Fprintf(w, "%s: %s\n", pos, diag.Msg)
}

// Convert the position in pos (assumed to have an absolute path) into a
// relative path if possible.
func RelativePosition(pos Position, wd string) Position {
	if wd == "" || !filepath.IsAbs(pos.Filename) {
		return pos
	}

	// Make the path relative, for easier reading. Ignore any errors in the
	// process (falling back to the absolute path).
	relpath, err := filepath.Rel(wd, pos.Filename)
	if err == nil {
		pos.Filename = relpath
	}
	return pos
}
