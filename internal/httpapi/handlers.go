package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/recallhq/recalld/internal/augment"
	"github.com/recallhq/recalld/internal/logging"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 50
	historyLimit       = 100
)

// QueryRequest is the body of POST /api/ai/query.
type QueryRequest struct {
	ThreadID string `json:"threadId"`
	Prompt   string `json:"prompt"`
}

// QueryResponse is the body of POST /api/ai/query.
type QueryResponse struct {
	Reply         string `json:"reply"`
	ThreadDeleted bool   `json:"threadDeleted,omitempty"`
}

func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, s.logger, fmt.Errorf("%w: invalid request body", ErrBadRequest))
	}
	if strings.TrimSpace(req.ThreadID) == "" || strings.TrimSpace(req.Prompt) == "" {
		return writeError(c, s.logger, fmt.Errorf("%w: threadId and prompt are required", ErrBadRequest))
	}

	ctx := logging.WithThread(c.Request().Context(), req.ThreadID)
	reply, err := s.deps.Responder.Respond(ctx, ownerFrom(c), req.ThreadID, req.Prompt)
	if err != nil {
		return writeError(c, s.logger, err)
	}

	return c.JSON(http.StatusOK, QueryResponse{
		Reply:         reply.Text,
		ThreadDeleted: reply.ThreadDeleted,
	})
}

// ThreadItem is one entry of GET /api/threads.
type ThreadItem struct {
	ThreadID  string    `json:"threadId"`
	Name      string    `json:"name"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *Server) handleListThreads(c echo.Context) error {
	list, err := s.deps.Threads.List(c.Request().Context(), ownerFrom(c))
	if err != nil {
		return writeError(c, s.logger, err)
	}

	items := make([]ThreadItem, 0, len(list))
	for _, th := range list {
		items = append(items, ThreadItem{
			ThreadID:  th.ID,
			Name:      th.Name,
			Summary:   th.Summary,
			CreatedAt: th.CreatedAt,
			UpdatedAt: th.UpdatedAt,
		})
	}
	return c.JSON(http.StatusOK, items)
}

// HistoryItem is one exchange of GET /api/history.
type HistoryItem struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Reply     string    `json:"reply"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleHistory(c echo.Context) error {
	threadID := c.QueryParam("threadId")
	if threadID == "" {
		return writeError(c, s.logger, fmt.Errorf("%w: threadId query parameter is required", ErrBadRequest))
	}

	ctx := logging.WithThread(c.Request().Context(), threadID)
	owner := ownerFrom(c)

	// 404 rather than an empty list when the thread does not exist.
	if _, err := s.deps.Threads.Get(ctx, owner, threadID); err != nil {
		return writeError(c, s.logger, err)
	}

	history, err := s.deps.Store.History(ctx, owner, threadID, historyLimit)
	if err != nil {
		return writeError(c, s.logger, err)
	}

	items := make([]HistoryItem, 0, len(history))
	for _, ex := range history {
		items = append(items, HistoryItem{
			ID:        ex.ID,
			Prompt:    ex.Prompt,
			Reply:     ex.Reply,
			CreatedAt: ex.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, items)
}

// DeleteThreadResponse is the body of DELETE /api/threads/:threadId.
type DeleteThreadResponse struct {
	ThreadsDeleted  int64 `json:"threadsDeleted"`
	MessagesCleared int64 `json:"messagesCleared"`
}

func (s *Server) handleDeleteThread(c echo.Context) error {
	threadID := c.Param("threadId")
	ctx := logging.WithThread(c.Request().Context(), threadID)

	result, err := s.deps.Threads.Delete(ctx, ownerFrom(c), threadID)
	if err != nil {
		return writeError(c, s.logger, err)
	}

	return c.JSON(http.StatusOK, DeleteThreadResponse{
		ThreadsDeleted:  result.ThreadsDeleted,
		MessagesCleared: result.MessagesCleared,
	})
}

// SearchRequest is the body of POST /api/search.
type SearchRequest struct {
	Query    string `json:"query"`
	ThreadID string `json:"threadId,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// SearchItem is one ranked result of POST /api/search.
type SearchItem struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	Prompt    string    `json:"prompt"`
	Reply     string    `json:"reply"`
	Score     float32   `json:"score"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, s.logger, fmt.Errorf("%w: invalid request body", ErrBadRequest))
	}
	if strings.TrimSpace(req.Query) == "" {
		return writeError(c, s.logger, fmt.Errorf("%w: query is required", ErrBadRequest))
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	ctx := c.Request().Context()
	vector, err := s.deps.Embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		return writeError(c, s.logger, err)
	}

	results, err := s.deps.Store.Nearest(ctx, ownerFrom(c), vector, limit, req.ThreadID)
	if err != nil {
		return writeError(c, s.logger, err)
	}

	items := make([]SearchItem, 0, len(results))
	for _, r := range results {
		items = append(items, SearchItem{
			ID:        r.ID,
			ThreadID:  r.Thread,
			Prompt:    r.Prompt,
			Reply:     r.Reply,
			Score:     r.Score,
			CreatedAt: r.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, items)
}

// AskRequest is the body of POST /api/memory/ask.
type AskRequest struct {
	Question string `json:"question"`
}

// AskResponse is the body of POST /api/memory/ask.
type AskResponse struct {
	Answer string `json:"answer"`
}

func (s *Server) handleAskMemory(c echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, s.logger, fmt.Errorf("%w: invalid request body", ErrBadRequest))
	}
	if strings.TrimSpace(req.Question) == "" {
		return writeError(c, s.logger, fmt.Errorf("%w: question is required", ErrBadRequest))
	}

	ctx := c.Request().Context()
	prompt, found, err := s.deps.Reflector.BuildReflection(ctx, ownerFrom(c), req.Question)
	if err != nil {
		return writeError(c, s.logger, err)
	}
	if !found {
		return c.JSON(http.StatusOK, AskResponse{Answer: augment.NoMemoriesAnswer})
	}

	answer, err := s.deps.Completer.Complete(ctx, prompt)
	if err != nil {
		return writeError(c, s.logger, err)
	}
	return c.JSON(http.StatusOK, AskResponse{Answer: answer})
}
