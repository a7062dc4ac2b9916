//nolint:testpackage // External tests call these wrappers; bridge must access unexported internals.
package dockerizer

func BuildKeyForTest(kind string, id int64) string {
	return buildKey(kind, id)
}
