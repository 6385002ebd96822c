package stage

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// One provisioning stage.
type Descriptor struct {
	Order int    // Numeric filename prefix.
	Name  string // Filename after the prefix, without extension.
	File  string // Base filename.
	Path  string // Absolute path to the stage artifact.
}

// Returns "<order>-<name>" with the order zero-padded to two digits.
func (d Descriptor) String() string {
	return fmt.Sprintf("%02d-%s", d.Order, d.Name)
}

// Reports whether ref names this stage by file name, stage name, label or
// order.
func (d Descriptor) Matches(ref string) bool {
	if ref == d.File || ref == d.Name || ref == d.String() {
		return true
	}
	if n, err := strconv.Atoi(ref); err == nil {
		return n == d.Order
	}
	return false
}

// Splits a filename into its order and name.
//
// The order is the leading run of decimal digits and must be followed by
// '-' and a non-empty remainder. ok is false for names that do not follow
// the convention; err is set when they do but the order cannot be parsed.
func parseFilename(file string) (order int, name string, ok bool, err error) {
	digits := 0
	for digits < len(file) && file[digits] >= '0' && file[digits] <= '9' {
		digits++
	}
	if digits == 0 || digits >= len(file)-1 || file[digits] != '-' {
		return 0, "", false, nil
	}

	rest := file[digits+1:]
	name = strings.TrimSuffix(rest, filepath.Ext(rest))
	if name == "" {
		return 0, "", false, nil
	}

	order, err = strconv.Atoi(file[:digits])
	if err != nil {
		return 0, "", true, fmt.Errorf("%w: %s: %w", ErrInvalidOrder, file, err)
	}

	return order, name, true, nil
}
