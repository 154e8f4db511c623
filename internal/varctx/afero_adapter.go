package varctx

import "github.com/spf13/afero"

// AferoFiles adapts afero.Fs to the FileReader interface so ${file:...}
// reads go through the same testable filesystem abstraction the teacher's
// variable store uses.
type AferoFiles struct {
	Fs afero.Fs
}

func (a AferoFiles) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(a.Fs, path)
}
