package api

import "context"

// CredentialVault returns decrypted secrets by logical id. Credential storage
// and decryption live outside this module; the engine only injects the
// resolved secret into the node input, never into the graph definition.
type CredentialVault interface {
	Secret(ctx context.Context, id string) (map[string]string, error)
}

// AuditSink receives audit records for debug and admin operations.
type AuditSink interface {
	Record(ctx context.Context, action, userID, workspaceID string, details map[string]any)
}

// RoleChecker gates which users may invoke debug/admin operations on a
// workspace.
type RoleChecker interface {
	CanDebug(ctx context.Context, userID, workspaceID string) (bool, error)
}

// NoopVault is a CredentialVault that knows no secrets.
type NoopVault struct{}

func (NoopVault) Secret(ctx context.Context, id string) (map[string]string, error) {
	return nil, nil
}

// NoopAudit discards audit records.
type NoopAudit struct{}

func (NoopAudit) Record(ctx context.Context, action, userID, workspaceID string, details map[string]any) {
}

// AllowAll is a RoleChecker that permits every operation. Intended for tests
// and the local runner.
type AllowAll struct{}

func (AllowAll) CanDebug(ctx context.Context, userID, workspaceID string) (bool, error) {
	return true, nil
}

// StaticVault serves secrets from a fixed map, for tests and local use.
type StaticVault map[string]map[string]string

func (v StaticVault) Secret(ctx context.Context, id string) (map[string]string, error) {
	if s, ok := v[id]; ok {
		return s, nil
	}
	return nil, nil
}
