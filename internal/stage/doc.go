// Package stage discovers provisioning stages in a directory.
//
// A stage is any file named "<digits>-<name>[.<ext>]". The leading digits
// give the stage's order; the rest, without its extension, is the stage name.
// Files that do not follow the convention are not stages and are ignored, so
// a stage directory may also hold a files/ payload, READMEs or helpers.
//
// Resolution validates the whole directory before anything runs. A prefix
// too large to parse, or two files with the same numeric order, fails the
// resolution: a pipeline whose order would depend on a tiebreak is rejected
// instead of run. Gaps between orders are allowed.
//
// Example usage:
//
//	stages, err := stage.Resolve("scripts", stage.WithExclude("99-*"))
//	if err != nil {
//	    return err
//	}
//	for _, s := range stages {
//	    fmt.Println(s.Order, s.Name, s.Path)
//	}
package stage
