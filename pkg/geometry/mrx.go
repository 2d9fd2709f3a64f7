package geometry

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// WriteMRX writes a transform as plain text: an optional "# comment" line
// followed by four rows of full-precision values.
func WriteMRX(w io.Writer, comment string, m Mat4) error {
	bw := bufio.NewWriter(w)
	if comment != "" {
		if _, err := fmt.Fprintf(bw, "# %s\n", comment); err != nil {
			return err
		}
	}
	for r := 0; r < 4; r++ {
		row := make([]string, 4)
		for c := 0; c < 4; c++ {
			row[c] = strconv.FormatFloat(m[4*r+c], 'g', -1, 64)
		}
		if _, err := fmt.Fprintln(bw, strings.Join(row, " ")); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadMRX parses a transform written by WriteMRX. Lines starting with '#'
// are ignored; exactly 16 numbers must follow.
func ReadMRX(r io.Reader) (Mat4, error) {
	var m Mat4
	n := 0
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, field := range strings.Fields(line) {
			if n == 16 {
				return Mat4{}, fmt.Errorf("matrix has more than 16 entries")
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return Mat4{}, fmt.Errorf("invalid matrix entry %q: %w", field, err)
			}
			m[n] = v
			n++
		}
	}
	if err := sc.Err(); err != nil {
		return Mat4{}, err
	}
	if n != 16 {
		return Mat4{}, fmt.Errorf("matrix has %d entries, want 16", n)
	}
	return m, nil
}

// WriteMRXFile writes a transform to path.
func WriteMRXFile(path, comment string, m Mat4) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create matrix file: %w", err)
	}
	if err := WriteMRX(f, comment, m); err != nil {
		f.Close()
		return fmt.Errorf("failed to write matrix file: %w", err)
	}
	return f.Close()
}

// ReadMRXFile loads a transform from path.
func ReadMRXFile(path string) (Mat4, error) {
	f, err := os.Open(path)
	if err != nil {
		return Mat4{}, fmt.Errorf("failed to open matrix file: %w", err)
	}
	defer f.Close()
	m, err := ReadMRX(f)
	if err != nil {
		return Mat4{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return m, nil
}
