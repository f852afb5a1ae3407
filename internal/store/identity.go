// identity.go — 组织与 Agent 注册/查询 (表 organizations, agents)。
//
// 注册幂等规则:
//   - 同 external_id + 同 name 的组织重复注册返回原行
//   - 同 external_id + 不同 name → ErrConflict
//
// 查询路径只读，绝不触达 advisory lock。
package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/go-coord/internal/database"
	apperrors "github.com/multi-agent/go-coord/pkg/errors"
)

// IdentityStore 组织与 Agent 存储。
type IdentityStore struct{ BaseStore }

// NewIdentityStore 创建身份存储。
func NewIdentityStore(pool *pgxpool.Pool) *IdentityStore { return &IdentityStore{NewBaseStore(pool)} }

const orgCols = `id, external_id, name, created_at`
const agentCols = `id, external_id, organization_id, name, created_at`

// RegisterOrganization 注册组织 (external_id 幂等)。
func (s *IdentityStore) RegisterOrganization(ctx context.Context, externalID, name string) (*Organization, error) {
	const op = "Identity.RegisterOrganization"
	if externalID == "" {
		return nil, apperrors.Invalid(op, "external_id is required")
	}

	// ON CONFLICT DO NOTHING + 回读: 并发重复注册也只留一行
	rows, err := s.pool.Query(ctx,
		`INSERT INTO organizations (external_id, name)
		 VALUES ($1, $2)
		 ON CONFLICT (external_id) DO NOTHING
		 RETURNING `+orgCols,
		externalID, name)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "insert organization")
	}
	org, err := collectOne[Organization](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan organization")
	}
	if org != nil {
		return org, nil
	}

	// 已存在: 校验 name 一致性
	existing, err := s.OrganizationByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if existing.Name != name {
		return nil, apperrors.Wrapf(apperrors.ErrConflict, op,
			"organization %q already registered with different name", externalID)
	}
	return existing, nil
}

// OrganizationByExternalID 按 external_id 查询组织。
func (s *IdentityStore) OrganizationByExternalID(ctx context.Context, externalID string) (*Organization, error) {
	const op = "Identity.OrganizationByExternalID"
	rows, err := s.pool.Query(ctx,
		"SELECT "+orgCols+" FROM organizations WHERE external_id = $1", externalID)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "query organization")
	}
	org, err := collectOne[Organization](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan organization")
	}
	if org == nil {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, op, "organization %q", externalID)
	}
	return org, nil
}

// RegisterAgent 注册 Agent。组织缺失 → ErrNotFound; external_id 重复 → ErrConflict。
func (s *IdentityStore) RegisterAgent(ctx context.Context, externalID, orgExternalID, name string) (*Agent, error) {
	const op = "Identity.RegisterAgent"
	if externalID == "" {
		return nil, apperrors.Invalid(op, "external_id is required")
	}

	org, err := s.OrganizationByExternalID(ctx, orgExternalID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`INSERT INTO agents (external_id, organization_id, name)
		 VALUES ($1, $2, $3)
		 RETURNING `+agentCols,
		externalID, org.ID, name)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperrors.Wrapf(apperrors.ErrConflict, op, "agent %q already registered", externalID)
		}
		return nil, database.WrapStoreErr(err, op, "insert agent")
	}
	agent, err := collectOne[Agent](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan agent")
	}
	return agent, nil
}

// AgentByExternalID 按 external_id 查询 Agent。缺失 → ErrNotFound。
func (s *IdentityStore) AgentByExternalID(ctx context.Context, externalID string) (*Agent, error) {
	const op = "Identity.AgentByExternalID"
	if externalID == "" {
		return nil, apperrors.Invalid(op, "external_id is required")
	}
	rows, err := s.pool.Query(ctx,
		"SELECT "+agentCols+" FROM agents WHERE external_id = $1", externalID)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "query agent")
	}
	agent, err := collectOne[Agent](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan agent")
	}
	if agent == nil {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, op, "agent %q", externalID)
	}
	return agent, nil
}

// AgentByID 按主键查询 Agent。缺失 → ErrNotFound。
func (s *IdentityStore) AgentByID(ctx context.Context, id uuid.UUID) (*Agent, error) {
	const op = "Identity.AgentByID"
	rows, err := s.pool.Query(ctx,
		"SELECT "+agentCols+" FROM agents WHERE id = $1", id)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "query agent")
	}
	agent, err := collectOne[Agent](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan agent")
	}
	if agent == nil {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, op, "agent %s", id)
	}
	return agent, nil
}

// AgentsByExternalIDs 批量解析 external_id → Agent，保持入参顺序。
// 任一缺失 → ErrNotFound。
func (s *IdentityStore) AgentsByExternalIDs(ctx context.Context, externalIDs []string) ([]*Agent, error) {
	out := make([]*Agent, 0, len(externalIDs))
	for _, ext := range externalIDs {
		a, err := s.AgentByExternalID(ctx, ext)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
