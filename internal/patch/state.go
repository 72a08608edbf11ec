package patch

type State string
type Action string

const (
	StateRoot           State = "root"
	StateEditableLeaf   State = "editable-leaf"
	StateLockedAncestor State = "locked-ancestor"
)

const (
	ActionRead        Action = "read"
	ActionWrite       Action = "write"
	ActionCreateChild Action = "create-child"
	ActionRename      Action = "rename"
	ActionDelete      Action = "delete"
	ActionMerge       Action = "merge"
	ActionDiff        Action = "diff"
)

// Allows is the single permission table for patch states.
func Allows(state State, action Action) bool {
	switch state {
	case StateRoot:
		return action == ActionRead || action == ActionCreateChild || action == ActionRename
	case StateLockedAncestor:
		return action == ActionRead || action == ActionCreateChild || action == ActionRename || action == ActionDiff
	case StateEditableLeaf:
		return true
	default:
		return false
	}
}

// ReadOnly reports whether content edits are refused in state.
func (s State) ReadOnly() bool {
	return !Allows(s, ActionWrite)
}

// denial returns the error reported when state refuses action.
func denial(state State, action Action) error {
	if action == ActionMerge && state == StateLockedAncestor {
		return ErrMergeUnsupported
	}
	return ErrForbidden
}
