// Package template expands positional "$<index>" command templates against
// tab-delimited table rows.
package template

import (
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/ivasilyev/matryoshka/internal/errors"
)

// placeholder matches "$" followed by the longest run of digits, so $1 and
// $10 are distinct placeholders.
var placeholder = regexp.MustCompile(`\$([0-9]+)`)

// Indices returns the distinct placeholder indices used by tmpl in ascending order
func Indices(tmpl string) []int {
	seen := make(map[int]struct{})
	var indices []int
	for _, m := range placeholder.FindAllStringSubmatch(tmpl, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices
}

// ReadRows splits raw table text into rows, stripping CR and dropping empty lines
func ReadRows(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read table: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	rows := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		rows = append(rows, line)
	}
	return rows, nil
}

// Expand renders tmpl once per non-empty row, preserving row order. Every
// placeholder is replaced by the row field at its index; an index beyond the
// row's width is a MalformedRow error.
func Expand(tmpl string, rows []string) ([]string, error) {
	indices := Indices(tmpl)
	maxIndex := -1
	if len(indices) > 0 {
		maxIndex = indices[len(indices)-1]
	}

	commands := make([]string, 0, len(rows))
	for rowNum, row := range rows {
		row = strings.TrimRight(row, "\r\n")
		if row == "" {
			continue
		}

		fields := strings.Split(row, "\t")
		if maxIndex >= len(fields) {
			return nil, errors.NewMalformedRowError(
				fmt.Sprintf("row %d has %d fields but the template references $%d", rowNum+1, len(fields), maxIndex), nil)
		}

		command := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
			idx, err := strconv.Atoi(m[1:])
			if err != nil || idx >= len(fields) {
				return m
			}
			return fields[idx]
		})

		commands = append(commands, strings.TrimRight(command, " \t"))
	}

	return commands, nil
}

// ExpandFile reads a table file from fs and expands tmpl against it
func ExpandFile(fs afero.Fs, path, tmpl string) ([]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.NewUsageError(fmt.Sprintf("failed to open input table '%s'", path), err)
	}
	defer f.Close()

	rows, err := ReadRows(f)
	if err != nil {
		return nil, errors.NewUsageError(fmt.Sprintf("failed to read input table '%s'", path), err)
	}

	return Expand(tmpl, rows)
}
