/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: strings.go
Description: Printable text-run extraction over a raw memory capture, equivalent to the
`strings` utility with its default minimum run length.
*/

package extract

import (
	"bufio"
	"io"
	"strings"
)

// MinRun is the shortest printable run kept.
const MinRun = 4

func printable(c byte) bool {
	return c == '\t' || (c >= 0x20 && c <= 0x7e)
}

// Printable scans r and returns one line per printable run of at least minRun bytes.
func Printable(r io.Reader, minRun int) (string, error) {
	if minRun <= 0 {
		minRun = MinRun
	}
	br := bufio.NewReaderSize(r, 1<<20)
	var out strings.Builder
	run := make([]byte, 0, 256)
	flush := func() {
		if len(run) >= minRun {
			out.Write(run)
			out.WriteByte('\n')
		}
		run = run[:0]
	}
	for {
		c, err := br.ReadByte()
		if err == io.EOF {
			flush()
			return out.String(), nil
		}
		if err != nil {
			return out.String(), err
		}
		if printable(c) {
			run = append(run, c)
			continue
		}
		flush()
	}
}
