// Package knowledge is the category-scoped article base backing RAG
// context assembly and the transfer scorer's knowledge bonus.
package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/dispatchd/dispatchd/internal/transfer"
)

const knowledgeSchema = `
CREATE TABLE IF NOT EXISTS knowledge_articles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	category TEXT NOT NULL,
	title TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_knowledge_category ON knowledge_articles(category);
`

// Article is one knowledge base entry.
type Article struct {
	ID       int64
	Category string
	Title    string
	Content  string
}

// Base stores and searches articles in the shared sqlite database.
type Base struct {
	db *sql.DB
}

// New creates the base and ensures its table exists.
func New(db *sql.DB) (*Base, error) {
	if _, err := db.Exec(knowledgeSchema); err != nil {
		return nil, fmt.Errorf("init knowledge schema: %w", err)
	}
	return &Base{db: db}, nil
}

// Add stores an article.
func (b *Base) Add(ctx context.Context, a *Article) error {
	if strings.TrimSpace(a.Category) == "" || strings.TrimSpace(a.Content) == "" {
		return fmt.Errorf("article needs a category and content")
	}
	res, err := b.db.ExecContext(ctx, `INSERT INTO knowledge_articles (category, title, content)
		VALUES (?, ?, ?)`, a.Category, a.Title, a.Content)
	if err != nil {
		return fmt.Errorf("add article: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// Search returns the category's articles ranked by term overlap with
// the query. Relevance is the fraction of query terms the article hits,
// so it stays in [0,1].
func (b *Base) Search(ctx context.Context, query, category string, limit int) ([]transfer.SearchResult, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := b.db.QueryContext(ctx, `SELECT title, content FROM knowledge_articles
		WHERE category = ? ORDER BY created_at DESC LIMIT 200`, category)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	defer rows.Close()

	terms := searchTerms(query)
	var results []transfer.SearchResult
	for rows.Next() {
		var title, content string
		if err := rows.Scan(&title, &content); err != nil {
			return nil, err
		}
		rel := overlap(title+" "+content, terms)
		if rel <= 0 {
			continue
		}
		text := content
		if title != "" {
			text = title + ": " + content
		}
		results = append(results, transfer.SearchResult{Content: text, Relevance: rel})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Relevance > results[j].Relevance })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func searchTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) >= 4 {
			terms = append(terms, w)
		}
	}
	return terms
}

func overlap(text string, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
