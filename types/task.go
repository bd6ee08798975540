package types

// TaskKey identifies one outstanding header or body request (spec.md §3
// Task: "key = (BlockID, isBody)").
type TaskKey struct {
	ID     BlockID
	Height uint64
	IsBody bool
}
