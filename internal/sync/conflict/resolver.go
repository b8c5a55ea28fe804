// Package conflict decides how a locally modified entity and its newer
// server copy are reconciled. It performs no I/O.
package conflict

import (
	"errors"
	"sort"

	"github.com/afenda/offlinesync/internal/logging"
	"github.com/afenda/offlinesync/internal/models"
)

// Type classifies a detected divergence.
type Type string

const (
	// TypeNone means the server copy is not newer than the client's.
	TypeNone       Type = "none"
	TypeDelete     Type = "delete_conflict"
	TypeField      Type = "field_conflict"
	TypeConcurrent Type = "concurrent_modification"
)

// Persisted maps the classification onto the stored conflict type.
func (t Type) Persisted() models.ConflictType {
	switch t {
	case TypeDelete:
		return models.ConflictDelete
	case TypeField:
		return models.ConflictField
	}
	return models.ConflictVersion
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Type     Type
	Strategy models.ResolutionStrategy
	// Resolved is the entity to keep. It is nil when RequiresUserInput is set.
	Resolved          models.Entity
	RequiresUserInput bool
	// Conflicts lists the fields no heuristic could settle.
	Conflicts      []string
	ClientModified []string
	ServerModified []string
}

// Resolver applies the entity-aware reconciliation heuristics.
type Resolver struct {
	logger *logging.Logger
}

// NewResolver creates a Resolver. A nil logger uses the package logger.
func NewResolver(logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Get()
	}
	return &Resolver{logger: logger}
}

// Resolve reconciles client against server without a common ancestor:
// every non-empty domain field counts as modified on each side.
func (r *Resolver) Resolve(client, server models.Entity) (*Resolution, error) {
	return r.ResolveWithBase(nil, client, server)
}

// ResolveWithBase reconciles client against server. When base, the last
// server-confirmed copy, is given, a side's modified fields are those that
// differ from it.
func (r *Resolver) ResolveWithBase(base, client, server models.Entity) (*Resolution, error) {
	if err := validate(base, client, server); err != nil {
		return nil, err
	}
	cm := client.Meta()

	if models.IsNil(server) {
		return resolveDelete(client, nil), nil
	}
	sm := server.Meta()
	if sm.SyncVersion <= cm.SyncVersion {
		return &Resolution{
			Type:     TypeNone,
			Strategy: models.StrategyClientWins,
			Resolved: client.CloneEntity(),
		}, nil
	}

	fields := fieldsFor(client.EntityType())
	clientMod := modifiedFields(fields, base, client)
	serverMod := modifiedFields(fields, base, server)
	typ := classify(cm, sm, clientMod, serverMod)

	r.logger.Info("Resolving conflict",
		map[string]interface{}{
			"entity_type":     client.EntityType(),
			"entity_id":       cm.ID,
			"conflict_type":   typ,
			"client_version":  cm.SyncVersion,
			"server_version":  sm.SyncVersion,
			"client_modified": clientMod,
			"server_modified": serverMod,
			"three_way":       !models.IsNil(base),
		})

	var res *Resolution
	switch typ {
	case TypeDelete:
		res = resolveDelete(client, server)
	case TypeConcurrent:
		res = resolveConcurrent(fields, client, server, clientMod)
	default:
		res = resolveFields(fields, client, server, clientMod, serverMod)
	}
	res.ClientModified = clientMod
	res.ServerModified = serverMod

	if res.RequiresUserInput {
		r.logger.Warn("Conflict queued for manual review",
			map[string]interface{}{
				"entity_type": client.EntityType(),
				"entity_id":   cm.ID,
				"fields":      res.Conflicts,
			})
	}
	return res, nil
}

// Classify returns the conflict type for client and server, or TypeNone
// when the server copy is not newer.
func Classify(base, client, server models.Entity) Type {
	if validate(base, client, server) != nil {
		return TypeNone
	}
	if models.IsNil(server) {
		return TypeDelete
	}
	cm, sm := client.Meta(), server.Meta()
	if sm.SyncVersion <= cm.SyncVersion {
		return TypeNone
	}
	fields := fieldsFor(client.EntityType())
	return classify(cm, sm, modifiedFields(fields, base, client), modifiedFields(fields, base, server))
}

func classify(cm, sm *models.SyncMeta, clientMod, serverMod []string) Type {
	if cm.IsDeleted || sm.IsDeleted {
		return TypeDelete
	}
	if len(intersect(clientMod, serverMod)) > 0 {
		return TypeField
	}
	return TypeConcurrent
}

func validate(base, client, server models.Entity) error {
	if models.IsNil(client) {
		return ErrInvalidConflict
	}
	t := client.EntityType()
	if !models.IsNil(server) {
		if server.EntityType() != t {
			return ErrEntityTypeMismatch
		}
		cm, sm := client.Meta(), server.Meta()
		sameClientID := cm.ClientGeneratedID != "" && cm.ClientGeneratedID == sm.ClientGeneratedID
		if cm.ID != sm.ID && !sameClientID {
			return ErrItemIDMismatch
		}
	}
	if !models.IsNil(base) && base.EntityType() != t {
		return ErrEntityTypeMismatch
	}
	return nil
}

func modifiedFields(fields []field, base, e models.Entity) []string {
	var out []string
	for _, f := range fields {
		if models.IsNil(base) {
			if !f.zero(e) {
				out = append(out, f.name)
			}
			continue
		}
		if !f.equal(base, e) {
			out = append(out, f.name)
		}
	}
	return out
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// resolveDelete settles a deletion race. A nil server means the server no
// longer has the entity.
func resolveDelete(client, server models.Entity) *Resolution {
	res := &Resolution{Type: TypeDelete}
	switch {
	case models.IsNil(server):
		if client.Meta().IsDeleted {
			res.Strategy = models.StrategyClientWins
			res.Resolved = client.CloneEntity()
		} else {
			res.Strategy = models.StrategyServerWins
		}
	case server.Meta().IsDeleted:
		res.Strategy = models.StrategyServerWins
		res.Resolved = server.CloneEntity()
	case client.Meta().IsDeleted:
		res.Strategy = models.StrategyClientWins
		res.Resolved = client.CloneEntity()
	default:
		res.Strategy = models.StrategyManual
		res.RequiresUserInput = true
		res.Conflicts = []string{"isDeleted"}
	}
	return res
}

// resolveConcurrent starts from the server copy and overlays the fields only
// the client changed.
func resolveConcurrent(fields []field, client, server models.Entity, clientMod []string) *Resolution {
	out := server.CloneEntity()
	for _, f := range fields {
		if applyRule(f, out, client, server) {
			continue
		}
		if contains(clientMod, f.name) {
			f.take(out, client)
		}
	}
	stampUpdated(out, client, server)
	return &Resolution{
		Type:     TypeConcurrent,
		Strategy: models.StrategyMerge,
		Resolved: out,
	}
}

// resolveFields settles fields both sides changed with per-field heuristics.
// Fields without a heuristic that still differ are left for the user.
func resolveFields(fields []field, client, server models.Entity, clientMod, serverMod []string) *Resolution {
	out := server.CloneEntity()
	var conflicts []string

	for _, f := range fields {
		if f.equal(client, server) || applyRule(f, out, client, server) {
			continue
		}
		cm, sm := contains(clientMod, f.name), contains(serverMod, f.name)
		switch {
		case cm && !sm:
			f.take(out, client)
		case sm && !cm:
		case f.merge == nil:
			conflicts = append(conflicts, f.name)
		default:
			if f.merge(out, client, server) == unresolved {
				conflicts = append(conflicts, f.name)
			}
		}
	}

	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return &Resolution{
			Type:              TypeField,
			Strategy:          models.StrategyManual,
			RequiresUserInput: true,
			Conflicts:         conflicts,
		}
	}
	stampUpdated(out, client, server)
	return &Resolution{
		Type:     TypeField,
		Strategy: models.StrategyMerge,
		Resolved: out,
	}
}

// applyRule runs the value rule of a ruled field whose sides differ and
// reports whether it settled the field. An undecided rule leaves out alone.
func applyRule(f field, out, client, server models.Entity) bool {
	if !f.ruled || f.equal(client, server) {
		return false
	}
	return f.merge(out, client, server) == merged
}

func stampUpdated(out, client, server models.Entity) {
	cu, su := client.Meta().UpdatedAt, server.Meta().UpdatedAt
	if cu.After(su) {
		out.Meta().UpdatedAt = cu
	} else {
		out.Meta().UpdatedAt = su
	}
}

// FieldNames lists the reconciled domain fields of t.
func FieldNames(t models.EntityType) []string {
	return names(fieldsFor(t))
}

// Errors
var (
	ErrInvalidConflict    = &ConflictError{Message: "invalid conflict: client data must be non-nil"}
	ErrItemIDMismatch     = &ConflictError{Message: "item ID mismatch"}
	ErrEntityTypeMismatch = &ConflictError{Message: "entity type mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
