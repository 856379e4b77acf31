package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"korela/internal/engine"
)

// OperationError — провал операции на транспорте или на сервере,
// аннотированный моделью и операцией. Ретраев нет: решение — за вызывающим.
type OperationError struct {
	Model     string
	Operation string
	Status    int // 0 = до сервера не дошли
	Message   string
}

func (e *OperationError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("operation %s on %s failed: %s", e.Operation, e.Model, e.Message)
	}
	return fmt.Sprintf("operation %s on %s failed (%d): %s", e.Operation, e.Model, e.Status, e.Message)
}

// Executor — единственная клиентская точка входа: формирует запрос,
// делает один HTTP round-trip к диспетчеру и раздаёт кэшированные
// клиенты моделей.
type Executor struct {
	baseURL string
	http    *http.Client
	roles   []string

	mu     sync.Mutex
	models map[string]*ModelClient
}

type Option func(*Executor)

func WithHTTPClient(c *http.Client) Option { return func(e *Executor) { e.http = c } }
func WithRoles(roles ...string) Option     { return func(e *Executor) { e.roles = roles } }

func NewExecutor(baseURL string, opts ...Option) *Executor {
	e := &Executor{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		models:  make(map[string]*ModelClient),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// GetModel возвращает кэшированный клиент модели, создавая его при первом
// обращении. Ключ кэша — «голое» имя; какая именно модель за ним стоит,
// решает реестр на сервере.
func (e *Executor) GetModel(name string) *ModelClient {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.models[name]; ok {
		return c
	}
	c := &ModelClient{exec: e, name: name}
	e.models[name] = c
	return c
}

// ExecuteOperation — один запрос к диспетчеру. Ошибки транспорта и
// протокола заворачиваются в OperationError без интерпретации тела
// сверх извлечения сообщения.
func (e *Executor) ExecuteOperation(ctx context.Context, req engine.Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &OperationError{Model: req.Model, Operation: req.Operation, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/dsl", bytes.NewReader(body))
	if err != nil {
		return nil, &OperationError{Model: req.Model, Operation: req.Operation, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if len(e.roles) > 0 {
		httpReq.Header.Set("X-Roles", strings.Join(e.roles, ","))
	}

	resp, err := e.http.Do(httpReq)
	if err != nil {
		return nil, &OperationError{Model: req.Model, Operation: req.Operation, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &OperationError{Model: req.Model, Operation: req.Operation, Status: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := serverMessage(raw)
		return nil, &OperationError{Model: req.Model, Operation: req.Operation, Status: resp.StatusCode, Message: msg}
	}

	return newResponse(raw), nil
}

func serverMessage(raw []byte) string {
	var env struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil {
		if env.Message != "" {
			return env.Message
		}
		if env.Error != "" {
			return env.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

// Response — сырое тело успешного ответа; конверт пагинации
// распаковывается лениво.
type Response struct {
	raw  json.RawMessage
	meta *engine.PaginationMeta
	data json.RawMessage
}

func newResponse(raw []byte) *Response {
	r := &Response{raw: raw, data: raw}
	var env struct {
		Data json.RawMessage        `json:"data"`
		Meta *engine.PaginationMeta `json:"paginationMeta"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Meta != nil {
		r.meta = env.Meta
		r.data = env.Data
	}
	return r
}

func (r *Response) Meta() *engine.PaginationMeta { return r.meta }

func (r *Response) Entity() (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := json.Unmarshal(r.data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Response) Entities() ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	if err := json.Unmarshal(r.data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Response) Int() (int, error) {
	var out int
	if err := json.Unmarshal(r.data, &out); err != nil {
		return 0, err
	}
	return out, nil
}

func (r *Response) Metadata() (*engine.Metadata, error) {
	var out engine.Metadata
	if err := json.Unmarshal(r.data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
