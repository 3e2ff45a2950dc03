package entity

import "fmt"

// Type describes one syncable entity type: its table name and, if it has
// a foreign key to another entity type, the parent descriptor and the
// column carrying the reference.
type Type struct {
	// Name is the singular entity name used in logs and errors.
	Name string

	// Table is the table name in both the local and remote stores.
	Table string

	// Parent is the entity type this type references by foreign key,
	// or nil for roots and independent leaves.
	Parent *Type

	// ParentKey is the column in this type's table holding the parent id.
	// Empty when Parent is nil.
	ParentKey string

	// ParentRequired reports whether ParentKey is NOT NULL. A workout may
	// exist outside a cycle; an exercise always belongs to a workout.
	ParentRequired bool
}

func (t *Type) String() string { return t.Name }

// The entity registry. Order matters: this slice is the topological order
// the pipelines iterate in, so a parent type must appear before any type
// referencing it.
var (
	Profile = &Type{Name: "profile", Table: "profiles"}
	Cycle   = &Type{Name: "cycle", Table: "cycles"}
	Workout = &Type{
		Name:      "workout",
		Table:     "workouts",
		Parent:    Cycle,
		ParentKey: "cycle_id",
	}
	Exercise = &Type{
		Name:           "exercise",
		Table:          "exercises",
		Parent:         Workout,
		ParentKey:      "workout_id",
		ParentRequired: true,
	}
	Goal              = &Type{Name: "goal", Table: "goals"}
	Measurement       = &Type{Name: "measurement", Table: "measurements"}
	StrengthTest      = &Type{Name: "strength_test", Table: "strength_tests"}
	ScheduledTraining = &Type{Name: "scheduled_training", Table: "scheduled_trainings"}
)

// Types lists every entity type in topological order, Profile first.
var Types = []*Type{
	Profile,
	Cycle,
	Workout,
	Exercise,
	Goal,
	Measurement,
	StrengthTest,
	ScheduledTraining,
}

// PushOrder returns the entity types the push pipeline walks, in
// dependency order. Profile rows are owned by account management and are
// never pushed from here.
func PushOrder() []*Type {
	return Types[1:]
}

// PullOrder returns the entity types the pull pipeline walks: Profile
// first (every user-scoped row references it), then the push order.
func PullOrder() []*Type {
	return Types
}

// ByTable looks up an entity type by its table name.
func ByTable(table string) (*Type, bool) {
	for _, t := range Types {
		if t.Table == table {
			return t, true
		}
	}
	return nil, false
}

// ValidateGraph checks the registry invariant the pipelines rely on:
// every parent appears before its dependents, and parent links are
// consistent with their key columns.
func ValidateGraph() error {
	seen := make(map[*Type]bool, len(Types))
	for _, t := range Types {
		if t.Parent != nil {
			if t.ParentKey == "" {
				return fmt.Errorf("%s declares a parent but no parent key column", t)
			}
			if !seen[t.Parent] {
				return fmt.Errorf("%s appears before its parent %s", t, t.Parent)
			}
		} else if t.ParentKey != "" {
			return fmt.Errorf("%s declares parent key %q without a parent", t, t.ParentKey)
		}
		seen[t] = true
	}
	return nil
}

// ParentID extracts the parent reference from a record's fields, if the
// record's type declares one and the field is set.
func (t *Type) ParentID(r *Record) (string, bool) {
	if t.Parent == nil {
		return "", false
	}
	v, ok := r.Fields[t.ParentKey]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
