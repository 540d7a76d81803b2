package aippt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ggoodman/aippt-mcp-go/storage"
)

// TemplateListParams filters the template catalog.
type TemplateListParams struct {
	PayType  string
	Style    string
	Color    string
	Industry string
	PageNum  int
	PageSize int
}

func (p TemplateListParams) query() url.Values {
	q := url.Values{}
	payType := p.PayType
	if payType == "" {
		payType = "not_free"
	}
	pageNum, pageSize := p.PageNum, p.PageSize
	if pageNum <= 0 {
		pageNum = 1
	}
	if pageSize <= 0 {
		pageSize = 10
	}
	q.Set("payType", payType)
	q.Set("pageNum", strconv.Itoa(pageNum))
	q.Set("pageSize", strconv.Itoa(pageSize))
	if p.Style != "" {
		q.Set("style", p.Style)
	}
	if p.Color != "" {
		q.Set("color", p.Color)
	}
	if p.Industry != "" {
		q.Set("industry", p.Industry)
	}
	return q
}

// TemplateList returns a page of templates. Successful listings are served
// from the cache when one is configured.
func (c *Client) TemplateList(ctx context.Context, p TemplateListParams) (*Response, error) {
	q := p.query()
	key := q.Encode()

	if c.cache != nil {
		item, err := c.cache.Get(ctx, key, storage.WithNamespace(templateCacheNamespace))
		if err != nil {
			c.log.WarnContext(ctx, "aippt.cache.get.err", slog.String("err", err.Error()))
		} else if item != nil {
			var res Response
			if err := json.Unmarshal(item.Data, &res); err == nil {
				res.Raw = json.RawMessage(item.Data)
				return &res, nil
			}
		}
	}

	res, err := c.get(ctx, "template/list", q)
	if err != nil {
		return nil, err
	}
	if c.cache != nil && res.OK() {
		var opts []storage.Option
		opts = append(opts, storage.WithNamespace(templateCacheNamespace))
		if c.cacheTTL > 0 {
			opts = append(opts, storage.WithTTL(c.cacheTTL))
		}
		if err := c.cache.Set(ctx, key, res.Raw, opts...); err != nil {
			c.log.WarnContext(ctx, "aippt.cache.set.err", slog.String("err", err.Error()))
		}
	}
	return res, nil
}

// CreateTaskParams describes a generation task.
type CreateTaskParams struct {
	Text       string
	TemplateID string
	Author     string
	IsCardNote bool
	Search     bool
	IsFigure   bool
	AIImage    string
}

func (p CreateTaskParams) form(query string) *multipartForm {
	author := p.Author
	if author == "" {
		author = "XXXX"
	}
	aiImage := p.AIImage
	if aiImage == "" {
		aiImage = "normal"
	}
	f := &multipartForm{}
	f.add("query", query)
	f.add("templateId", p.TemplateID)
	f.add("author", author)
	f.add("isCardNote", formBool(p.IsCardNote))
	f.add("search", formBool(p.Search))
	f.add("isFigure", formBool(p.IsFigure))
	f.add("aiImage", aiImage)
	return f
}

// CreateTask starts a PPT generation task. Poll Progress with the returned sid.
func (c *Client) CreateTask(ctx context.Context, p CreateTaskParams) (*Response, error) {
	return c.postForm(ctx, "create", p.form(p.Text))
}

// Progress reports the state of a generation task.
func (c *Client) Progress(ctx context.Context, sid string) (*Response, error) {
	return c.get(ctx, "progress", url.Values{"sid": {sid}})
}

// OutlineParams describes an outline request.
type OutlineParams struct {
	Text     string
	Language string
	Search   bool
}

// CreateOutline asks the backend for a structured outline of Text.
func (c *Client) CreateOutline(ctx context.Context, p OutlineParams) (*Response, error) {
	f := &multipartForm{}
	f.add("query", p.Text)
	f.add("language", orDefault(p.Language, "cn"))
	f.add("search", formBool(p.Search))
	return c.postForm(ctx, "createOutline", f)
}

// OutlineByDocParams describes an outline request seeded from a document,
// either fetched by the backend from FileURL or uploaded from FilePath.
type OutlineByDocParams struct {
	FileName string
	Text     string
	FileURL  string
	FilePath string
	Language string
	Search   bool
}

// CreateOutlineByDoc builds an outline from a document.
func (c *Client) CreateOutlineByDoc(ctx context.Context, p OutlineByDocParams) (*Response, error) {
	f := &multipartForm{}
	f.add("fileName", p.FileName)
	f.add("query", p.Text)
	f.add("language", orDefault(p.Language, "cn"))
	f.add("search", formBool(p.Search))
	switch {
	case p.FileURL != "":
		f.add("fileUrl", p.FileURL)
	case p.FilePath != "":
		f.file = &formFile{field: "file", path: p.FilePath}
	default:
		return nil, ErrMissingDocument
	}
	return c.postForm(ctx, "createOutlineByDoc", f)
}

// CreatePPTByOutline generates a PPT from an outline previously returned by
// CreateOutline or CreateOutlineByDoc. The outline is rendered into the query
// text and submitted through the create endpoint.
func (c *Client) CreatePPTByOutline(ctx context.Context, p CreateTaskParams, outline json.RawMessage) (*Response, error) {
	rendered, err := RenderOutline(outline, p.Text)
	if err != nil {
		return nil, err
	}
	query := p.Text + "\n\n" + rendered
	res, err := c.postForm(ctx, "create", p.form(query))
	if err == nil && !res.OK() {
		c.log.WarnContext(ctx, "aippt.create_by_outline.rejected",
			slog.String("template_id", p.TemplateID),
			slog.Int("query_len", len([]rune(query))),
			slog.Int("code", res.Code),
			slog.String("desc", res.Desc),
		)
	}
	return res, err
}

// RenderOutline turns an outline object into the plain-text form accepted by
// the create endpoint. fallbackTitle is used when the outline has no title.
func RenderOutline(outline json.RawMessage, fallbackTitle string) (string, error) {
	var o map[string]any
	if err := json.Unmarshal(outline, &o); err != nil || o == nil {
		return "", fmt.Errorf("aippt: outline must be a JSON object")
	}

	var b strings.Builder
	title := fallbackTitle
	if v, ok := o["title"]; ok && v != nil {
		title = stringify(v)
	}
	fmt.Fprintf(&b, "标题：%s\n", title)
	if v, ok := o["subTitle"]; ok && truthy(v) {
		fmt.Fprintf(&b, "副标题：%s\n", stringify(v))
	}

	b.WriteString("\n内容要点：\n")
	chapters, _ := o["chapters"].([]any)
	for i, raw := range chapters {
		n := i + 1
		chapter, _ := raw.(map[string]any)
		chapterTitle := fmt.Sprintf("第%d部分", n)
		if v, ok := chapter["chapterTitle"]; ok && v != nil {
			chapterTitle = stringify(v)
		}
		fmt.Fprintf(&b, "%d. %s\n", n, chapterTitle)

		contents, _ := chapter["contents"].([]any)
		for _, item := range contents {
			switch v := item.(type) {
			case string:
				fmt.Fprintf(&b, "   - %s\n", v)
			case map[string]any:
				if t, ok := v["chapterTitle"]; ok {
					fmt.Fprintf(&b, "   - %s\n", stringify(t))
				}
			}
		}
	}
	return b.String(), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// formBool renders booleans the way the backend's form parser expects.
func formBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

type formField struct {
	name  string
	value string
}

type formFile struct {
	field string
	path  string
}

// multipartForm is an ordered set of fields plus an optional file part.
type multipartForm struct {
	fields []formField
	file   *formFile
}

func (f *multipartForm) add(name, value string) {
	f.fields = append(f.fields, formField{name: name, value: value})
}

func (f *multipartForm) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, fld := range f.fields {
		if err := w.WriteField(fld.name, fld.value); err != nil {
			return nil, "", err
		}
	}
	if f.file != nil {
		src, err := os.Open(f.file.path)
		if err != nil {
			return nil, "", fmt.Errorf("open document: %w", err)
		}
		defer src.Close()
		part, err := w.CreateFormFile(f.file.field, filepath.Base(f.file.path))
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, src); err != nil {
			return nil, "", fmt.Errorf("read document: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
