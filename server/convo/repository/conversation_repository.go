package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"opsdesk/server/convo/domain"
)

// ConversationRepository is the pgx-backed conversation store.
type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func (r *ConversationRepository) FindProjectByToken(ctx context.Context, token string) (domain.Project, error) {
	var p domain.Project
	err := r.pool.QueryRow(ctx, `
		SELECT project_id, access_token, title, company_id, stage, created_at
		FROM projects
		WHERE access_token=$1
	`, token).Scan(&p.ID, &p.AccessToken, &p.Title, &p.CompanyID, &p.Stage, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Project{}, domain.ErrNotFound
		}
		return domain.Project{}, err
	}
	return p, nil
}

func (r *ConversationRepository) CreateMessage(ctx context.Context, message domain.Message) (domain.Message, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO messages(project_id, sender_type, sender_name, content, attachment_urls)
		VALUES($1, $2, $3, $4, $5)
		RETURNING message_id, created_at
	`, message.ProjectID, message.SenderType, message.SenderName, message.Content, message.Attachments).Scan(&message.ID, &message.CreatedAt)
	return message, err
}

func (r *ConversationRepository) ListMessages(ctx context.Context, projectID int64) ([]domain.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT message_id, project_id, sender_type, sender_name, content, attachment_urls, created_at
		FROM messages
		WHERE project_id=$1
		ORDER BY message_id ASC
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Message, 0)
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.SenderType, &m.SenderName, &m.Content, &m.Attachments, &m.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *ConversationRepository) RecordActivity(ctx context.Context, activity domain.Activity) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO activities(project_id, kind, description)
		VALUES($1, $2, $3)
	`, activity.ProjectID, activity.Kind, activity.Description)
	return err
}

func (r *ConversationRepository) ListConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.project_id, p.access_token, p.title, p.stage,
		       latest.content, latest.created_at, counts.total
		FROM projects p
		LEFT JOIN LATERAL (
			SELECT content, created_at
			FROM messages
			WHERE project_id=p.project_id
			ORDER BY message_id DESC
			LIMIT 1
		) latest ON true
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS total
			FROM messages
			WHERE project_id=p.project_id
		) counts ON true
		ORDER BY COALESCE(latest.created_at, p.created_at) DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.ConversationSummary, 0)
	for rows.Next() {
		var s domain.ConversationSummary
		if err := rows.Scan(&s.ProjectID, &s.Token, &s.Title, &s.Stage, &s.LatestMessage, &s.LatestMessageAt, &s.MessageCount); err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}
