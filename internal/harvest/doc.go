// Package harvest defines the task and result model shared by the grid
// crawler subsystems, along with the collaborator interfaces that workers,
// the janitor, and the stores agree on.
//
// A Task covers one keyword over one square region. Tasks move through
// pending -> claimed -> done, or back to pending when the janitor reclaims a
// stale claim, or to failed once the attempt ceiling is reached. Child tasks
// produced by subdivision point at their parent through ParentID; that link is
// lineage only and never implies ownership.
package harvest
