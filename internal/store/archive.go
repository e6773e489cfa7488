// Package store persists fetched entities in a local SQLite database.
// The archive plugs into the entity cache's hook set as a transparent
// backing store and keeps per-source refresh cursors.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"skylark/internal/cache"
	"skylark/internal/model"
)

// Archive wraps the SQLite database.
type Archive struct{ sql *sql.DB }

func Open(path string) (*Archive, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := d.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`); err != nil {
		return nil, err
	}
	a := &Archive{sql: d}
	if err := a.migrate(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) Close() error { return a.sql.Close() }

func (a *Archive) migrate() error {
	_, err := a.sql.Exec(`
	CREATE TABLE IF NOT EXISTS authors (
	  id INTEGER PRIMARY KEY,
	  name TEXT NOT NULL,
	  full_name TEXT,
	  description TEXT,
	  location TEXT,
	  url TEXT,
	  profile_image TEXT,
	  followers INTEGER,
	  friends INTEGER,
	  post_count INTEGER,
	  protected INTEGER,
	  created_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_authors_name ON authors(name);
	CREATE TABLE IF NOT EXISTS posts (
	  id INTEGER PRIMARY KEY,
	  author_id INTEGER,
	  text TEXT NOT NULL,
	  created_at INTEGER,
	  source TEXT,
	  in_reply_to INTEGER,
	  favorited INTEGER,
	  reposted_id INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_posts_author ON posts(author_id);
	CREATE TABLE IF NOT EXISTS cursors (
	  source TEXT PRIMARY KEY,
	  since_id INTEGER NOT NULL
	);
	`)
	return err
}

// SaveAuthor upserts one author row.
func (a *Archive) SaveAuthor(ctx context.Context, au *model.Author) error {
	if au == nil || au.ID == 0 {
		return nil
	}
	_, err := a.sql.ExecContext(ctx, `INSERT OR REPLACE INTO authors
	  (id, name, full_name, description, location, url, profile_image, followers, friends, post_count, protected, created_at)
	  VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		int64(au.ID), au.Name, au.FullName, au.Description, au.Location, au.URL,
		au.ProfileImage, au.FollowersCount, au.FriendsCount, au.PostCount,
		au.Protected, au.CreatedAt.Unix())
	return err
}

// SavePost upserts one post row, cascading its author and reposted post.
func (a *Archive) SavePost(ctx context.Context, p *model.Post) error {
	if p == nil || p.ID == 0 {
		return nil
	}
	if p.Author != nil {
		if err := a.SaveAuthor(ctx, p.Author); err != nil {
			return err
		}
	}
	var authorID, repostedID int64
	if p.Author != nil {
		authorID = int64(p.Author.ID)
	}
	if p.Reposted != nil {
		repostedID = int64(p.Reposted.ID)
		if err := a.SavePost(ctx, p.Reposted); err != nil {
			return err
		}
	}
	_, err := a.sql.ExecContext(ctx, `INSERT OR REPLACE INTO posts
	  (id, author_id, text, created_at, source, in_reply_to, favorited, reposted_id)
	  VALUES(?,?,?,?,?,?,?,?)`,
		int64(p.ID), authorID, p.Text, p.CreatedAt.Unix(), p.Source,
		int64(p.InReplyTo), p.Favorited, repostedID)
	return err
}

func (a *Archive) scanAuthor(row *sql.Row) (*model.Author, error) {
	var au model.Author
	var id, created int64
	err := row.Scan(&id, &au.Name, &au.FullName, &au.Description, &au.Location,
		&au.URL, &au.ProfileImage, &au.FollowersCount, &au.FriendsCount,
		&au.PostCount, &au.Protected, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	au.ID = model.UserID(id)
	au.CreatedAt = time.Unix(created, 0).UTC()
	return &au, nil
}

const authorColumns = `id, name, full_name, description, location, url,
  profile_image, followers, friends, post_count, protected, created_at`

// LoadAuthorByID returns the archived author or nil when absent.
func (a *Archive) LoadAuthorByID(ctx context.Context, id model.UserID) (*model.Author, error) {
	return a.scanAuthor(a.sql.QueryRowContext(ctx,
		`SELECT `+authorColumns+` FROM authors WHERE id=?`, int64(id)))
}

// LoadAuthorByName returns the archived author or nil when absent.
func (a *Archive) LoadAuthorByName(ctx context.Context, name string) (*model.Author, error) {
	return a.scanAuthor(a.sql.QueryRowContext(ctx,
		`SELECT `+authorColumns+` FROM authors WHERE name=? ORDER BY id LIMIT 1`, name))
}

// LoadPost returns the archived post, with its author and reposted post
// assembled, or nil when absent.
func (a *Archive) LoadPost(ctx context.Context, id model.PostID) (*model.Post, error) {
	return a.loadPost(ctx, id, true)
}

func (a *Archive) loadPost(ctx context.Context, id model.PostID, follow bool) (*model.Post, error) {
	row := a.sql.QueryRowContext(ctx,
		`SELECT id, author_id, text, created_at, source, in_reply_to, favorited, reposted_id
		 FROM posts WHERE id=?`, int64(id))
	var p model.Post
	var pid, authorID, created, inReplyTo, repostedID int64
	err := row.Scan(&pid, &authorID, &p.Text, &created, &p.Source, &inReplyTo, &p.Favorited, &repostedID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.ID = model.PostID(pid)
	p.CreatedAt = time.Unix(created, 0).UTC()
	p.InReplyTo = model.PostID(inReplyTo)
	if authorID != 0 {
		if p.Author, err = a.LoadAuthorByID(ctx, model.UserID(authorID)); err != nil {
			return nil, err
		}
	}
	if follow && repostedID != 0 {
		if p.Reposted, err = a.loadPost(ctx, model.PostID(repostedID), false); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

// DeletePost honors a delete notice.
func (a *Archive) DeletePost(ctx context.Context, id model.PostID) error {
	_, err := a.sql.ExecContext(ctx, `DELETE FROM posts WHERE id=?`, int64(id))
	return err
}

// SaveCursor records the newest fetched ID for a source.
func (a *Archive) SaveCursor(ctx context.Context, source string, since model.PostID) error {
	_, err := a.sql.ExecContext(ctx,
		`INSERT OR REPLACE INTO cursors(source, since_id) VALUES(?,?)`, source, int64(since))
	return err
}

// LoadCursor returns the recorded cursor for a source, zero when absent.
func (a *Archive) LoadCursor(ctx context.Context, source string) (model.PostID, error) {
	var since int64
	err := a.sql.QueryRowContext(ctx,
		`SELECT since_id FROM cursors WHERE source=?`, source).Scan(&since)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return model.PostID(since), err
}

// Hooks wires the archive into the entity cache: resolve hooks serve
// reads from the database, store hooks write through on every store.
func (a *Archive) Hooks() cache.Hooks {
	ctx := context.Background()
	return cache.Hooks{
		ResolvePost: func(id model.PostID) *model.Post {
			p, _ := a.LoadPost(ctx, id)
			return p
		},
		ResolveAuthorByID: func(id model.UserID) *model.Author {
			au, _ := a.LoadAuthorByID(ctx, id)
			return au
		},
		ResolveAuthorByName: func(name string) *model.Author {
			au, _ := a.LoadAuthorByName(ctx, name)
			return au
		},
		OnStorePost:   func(p *model.Post) { _ = a.SavePost(ctx, p) },
		OnStoreAuthor: func(au *model.Author) { _ = a.SaveAuthor(ctx, au) },
		OnRemovePost:  func(id model.PostID) { _ = a.DeletePost(ctx, id) },
	}
}
