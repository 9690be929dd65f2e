package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	apperrors "github.com/kandev/larkacp/internal/errors"
)

// ProjectDir computes a project's working directory: its folder under the
// configured base working directory (§3 Session "workingDir ... equals
// project directory if projectId set").
func ProjectDir(baseDir string, p *Project) string {
	return filepath.Join(baseDir, p.FolderName)
}

var invalidFolderChars = regexp.MustCompile(`[/\\:*?"<>|\x00]`)

// ValidateFolderName enforces §3 Project's folderName invariant: non-empty,
// not "." or "..", and free of path-unsafe characters.
func ValidateFolderName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid folder name %q", name)
	}
	if invalidFolderChars.MatchString(name) {
		return fmt.Errorf("folder name %q contains invalid characters", name)
	}
	return nil
}

const projectColumns = `id, chat_id, creator_id, title, description, folder_name, created_at, updated_at`

func scanProject(row interface{ Scan(dest ...any) error }) (*Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.ChatID, &p.CreatorID, &p.Title, &p.Description, &p.FolderName, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProject inserts a new project row.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if err := ValidateFolderName(p.FolderName); err != nil {
		return err
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.ChatID, p.CreatorID, p.Title, p.Description, p.FolderName, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject finds a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, &apperrors.ProjectNotFoundError{ProjectID: id}
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListProjectsByChat lists all projects for a chat.
func (s *Store) ListProjectsByChat(ctx context.Context, chatID string) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE chat_id = ? ORDER BY updated_at DESC`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RenameFolder updates a project's folder_name. The caller is responsible
// for the on-disk rename and for failing first if the target exists (§3).
func (s *Store) RenameFolder(ctx context.Context, id, newFolderName string) error {
	if err := ValidateFolderName(newFolderName); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET folder_name = ?, updated_at = ? WHERE id = ?`, newFolderName, time.Now().UTC(), id)
	return err
}

// UpdateMeta updates a project's title/description.
func (s *Store) UpdateMeta(ctx context.Context, id, title, description string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET title = ?, description = ?, updated_at = ? WHERE id = ?`, title, description, time.Now().UTC(), id)
	return err
}

// DeleteProject removes a project row.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	return err
}
