package trainer

import (
	"context"
	"sort"

	iface "bsort/interface"
)

// noopSession stands in when tracking is off.
type noopSession struct{}

func (noopSession) LogMetrics(context.Context, map[string]float64) error { return nil }
func (noopSession) LogArtifact(context.Context, string) error            { return nil }
func (noopSession) Close(context.Context, iface.RunStatus) error         { return nil }

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
