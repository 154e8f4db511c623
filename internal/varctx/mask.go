package varctx

import "strings"

// Mask replaces every occurrence of a known secret value in s with "***".
// Called at every persistence/emission boundary (events, logs, captured
// output, checkpoints) per spec.md §4.2 and §7: masking happens before
// persistence, not just before display.
func (c *Context) Mask(s string) string {
	secrets := c.SecretValues()
	if len(secrets) == 0 {
		return s
	}
	for _, v := range secrets {
		if v == "" {
			continue
		}
		s = strings.ReplaceAll(s, v, "***")
	}
	return s
}
