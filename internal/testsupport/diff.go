// Package testsupport provides shared test helpers used by the _test.go
// files throughout this module. DiffChangeSets plays the same role the
// teacher's generateDiff played for documents: turning two snapshots into a
// readable JSON patch for failure messages instead of a raw struct dump.
package testsupport

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"
)

// DiffChangeSets renders the JSON Patch (RFC 6902) between two arbitrary
// JSON-marshalable snapshots — typically []Change[K,V] slices captured
// before/after an operator runs — for use in assert.Empty(t, Diff(...))
// style test failure messages.
func DiffChangeSets(want, got any) (string, error) {
	wantJSON, err := json.Marshal(want)
	if err != nil {
		return "", fmt.Errorf("marshal want: %w", err)
	}
	gotJSON, err := json.Marshal(got)
	if err != nil {
		return "", fmt.Errorf("marshal got: %w", err)
	}
	patch, err := jsonpatch.CreateMergePatch(wantJSON, gotJSON)
	if err != nil {
		return "", fmt.Errorf("diff: %w", err)
	}
	if string(patch) == "{}" {
		return "", nil
	}
	return string(patch), nil
}
