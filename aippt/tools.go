package aippt

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/ggoodman/aippt-mcp-go/mcp"
	"github.com/ggoodman/aippt-mcp-go/tools"
)

const credentialsNote = "需先设置环境变量AIPPT_APP_ID和AIPPT_API_SECRET。"

type themeListArgs struct {
	PayType  string `json:"pay_type,omitempty" jsonschema:"enum=free,enum=not_free,default=not_free" jsonschema_description:"模板付费类型，可选值：free-免费模板，not_free-付费模板"`
	Style    string `json:"style,omitempty" jsonschema_description:"模板风格，如：简约、商务、科技等"`
	Color    string `json:"color,omitempty" jsonschema_description:"模板颜色，如：红色、蓝色等"`
	Industry string `json:"industry,omitempty" jsonschema_description:"模板行业，如：教育培训、金融等"`
	PageNum  int    `json:"page_num,omitempty" jsonschema:"default=1" jsonschema_description:"页码，从1开始"`
	PageSize int    `json:"page_size,omitempty" jsonschema:"default=10" jsonschema_description:"每页数量，最大100"`
}

// TaskOptions are the generation switches shared by create_ppt_task and
// create_ppt_by_outline.
type TaskOptions struct {
	Author     string `json:"author,omitempty" jsonschema:"default=XXXX" jsonschema_description:"PPT作者名称，将显示在生成的PPT中"`
	IsCardNote *bool  `json:"is_card_note,omitempty" jsonschema:"default=true" jsonschema_description:"是否生成PPT演讲备注，True表示生成，False表示不生成"`
	Search     *bool  `json:"search,omitempty" jsonschema:"default=false" jsonschema_description:"是否联网搜索，True表示联网搜索补充内容，False表示不联网"`
	IsFigure   *bool  `json:"is_figure,omitempty" jsonschema:"default=true" jsonschema_description:"是否自动配图，True表示自动配图，False表示不配图"`
	AIImage    string `json:"ai_image,omitempty" jsonschema:"enum=normal,enum=advanced,default=normal" jsonschema_description:"AI配图类型，仅在is_figure为True时生效。可选值：normal-普通配图(20%正文配图)，advanced-高级配图(50%正文配图)"`
}

func (o TaskOptions) params(text, templateID string) CreateTaskParams {
	return CreateTaskParams{
		Text:       text,
		TemplateID: templateID,
		Author:     o.Author,
		IsCardNote: boolOr(o.IsCardNote, true),
		Search:     boolOr(o.Search, false),
		IsFigure:   boolOr(o.IsFigure, true),
		AIImage:    o.AIImage,
	}
}

type createTaskArgs struct {
	Text       string `json:"text" jsonschema_description:"PPT生成的内容描述，用于生成PPT的主题和内容"`
	TemplateID string `json:"template_id" jsonschema_description:"PPT模板ID，需通过get_theme_list获取"`
	TaskOptions
}

type progressArgs struct {
	SID string `json:"sid" jsonschema_description:"任务ID，从create_ppt_task或create_ppt_by_outline工具获取"`
}

type outlineArgs struct {
	Text     string `json:"text" jsonschema_description:"需要生成大纲的内容描述"`
	Language string `json:"language,omitempty" jsonschema:"default=cn" jsonschema_description:"大纲生成的语言，目前支持cn(中文)"`
	Search   *bool  `json:"search,omitempty" jsonschema:"default=false" jsonschema_description:"是否联网搜索，True表示联网搜索补充内容，False表示不联网"`
}

type outlineByDocArgs struct {
	FileName string `json:"file_name" jsonschema_description:"文档文件名，必须包含文件后缀名"`
	FileURL  string `json:"file_url,omitempty" jsonschema_description:"文档文件的URL地址，与file_path二选一必填"`
	FilePath string `json:"file_path,omitempty" jsonschema_description:"文档文件的本地路径，与file_url二选一必填"`
	Text     string `json:"text" jsonschema_description:"补充的文本内容，用于指导大纲生成"`
	Language string `json:"language,omitempty" jsonschema:"default=cn" jsonschema_description:"大纲生成的语言，目前支持cn(中文)"`
	Search   *bool  `json:"search,omitempty" jsonschema:"default=false" jsonschema_description:"是否联网搜索，True表示联网搜索补充内容，False表示不联网"`
}

type pptByOutlineArgs struct {
	Text       string          `json:"text" jsonschema_description:"PPT生成的内容描述，用于指导PPT生成"`
	Outline    json.RawMessage `json:"outline" jsonschema:"type=object" jsonschema_description:"大纲内容，需从create_outline或create_outline_by_doc工具返回的JSON响应中提取['data']['outline']字段的值"`
	TemplateID string          `json:"template_id" jsonschema_description:"PPT模板ID，需通过get_theme_list工具获取"`
	TaskOptions
}

// Tools returns the tool catalog served for c, in listing order.
func Tools(c *Client) []tools.Tool {
	return []tools.Tool{
		tools.New("get_theme_list", func(ctx context.Context, r *tools.Request[themeListArgs]) (*mcp.CallToolResult, error) {
			a := r.Args()
			return relay(c.TemplateList(ctx, TemplateListParams{
				PayType:  a.PayType,
				Style:    a.Style,
				Color:    a.Color,
				Industry: a.Industry,
				PageNum:  a.PageNum,
				PageSize: a.PageSize,
			}))
		}, tools.WithDescription("获取PPT模板列表。使用说明：1. 此工具用于获取可用的PPT模板列表，需先调用本工具获取template_id，后续PPT生成需用到。2. 可通过style、color、industry等参数筛选模板。3. "+credentialsNote)),

		tools.New("create_ppt_task", func(ctx context.Context, r *tools.Request[createTaskArgs]) (*mcp.CallToolResult, error) {
			a := r.Args()
			return relay(c.CreateTask(ctx, a.params(a.Text, a.TemplateID)))
		}, tools.WithDescription("创建PPT生成任务。使用说明：1. 在调用本工具前，必须先调用get_theme_list获取有效的template_id。2. 工具会返回任务ID(sid)，需用get_task_progress轮询查询进度。3. 任务完成后，可从get_task_progress结果中获取PPT下载地址。4. "+credentialsNote)),

		tools.New("get_task_progress", func(ctx context.Context, r *tools.Request[progressArgs]) (*mcp.CallToolResult, error) {
			return relay(c.Progress(ctx, r.Args().SID))
		}, tools.WithDescription("查询PPT生成任务进度。使用说明：1. 用于查询通过create_ppt_task或create_ppt_by_outline创建的任务进度。2. 需定期轮询本工具直到任务完成。3. 任务完成后，可从返回结果中获取PPT下载地址。4. "+credentialsNote)),

		tools.New("create_outline", func(ctx context.Context, r *tools.Request[outlineArgs]) (*mcp.CallToolResult, error) {
			a := r.Args()
			return relay(c.CreateOutline(ctx, OutlineParams{Text: a.Text, Language: a.Language, Search: boolOr(a.Search, false)}))
		}, tools.WithDescription("创建PPT大纲。使用说明：1. 用于根据文本内容生成PPT大纲。2. 生成的大纲可用于create_ppt_by_outline工具。3. 可通过search参数控制是否联网搜索补充内容。4. "+credentialsNote)),

		tools.New("create_outline_by_doc", func(ctx context.Context, r *tools.Request[outlineByDocArgs]) (*mcp.CallToolResult, error) {
			a := r.Args()
			return relay(c.CreateOutlineByDoc(ctx, OutlineByDocParams{
				FileName: a.FileName,
				Text:     a.Text,
				FileURL:  a.FileURL,
				FilePath: a.FilePath,
				Language: a.Language,
				Search:   boolOr(a.Search, false),
			}))
		}, tools.WithDescription("从文档创建PPT大纲。使用说明：1. 用于根据文档内容生成PPT大纲。2. 支持通过file_url或file_path上传文档。3. 文档格式支持：pdf(不支持扫描件)、doc、docx、txt、md。4. 文档大小限制：10M以内，字数限制8000字以内。5. 生成的大纲可用于create_ppt_by_outline工具。6. "+credentialsNote)),

		tools.New("create_ppt_by_outline", func(ctx context.Context, r *tools.Request[pptByOutlineArgs]) (*mcp.CallToolResult, error) {
			a := r.Args()
			return relay(c.CreatePPTByOutline(ctx, a.params(a.Text, a.TemplateID), a.Outline))
		}, tools.WithDescription("根据大纲创建PPT。使用说明：1. 用于根据已生成的大纲创建PPT。2. 大纲需通过create_outline或create_outline_by_doc工具生成。3. template_id需通过get_theme_list工具获取。4. 工具会返回任务ID(sid)，需用get_task_progress轮询查询进度。5. 任务完成后，可从get_task_progress结果中获取PPT下载地址。6. "+credentialsNote)),

		tools.New("create_full_ppt_workflow", func(ctx context.Context, r *tools.Request[WorkflowParams]) (*mcp.CallToolResult, error) {
			return tools.JSONResult(c.RunWorkflow(ctx, r.Args()))
		}, tools.WithDescription(workflowDescription)),
	}
}

const workflowDescription = `ReACT模式完整PPT生成工作流。

THINK：分析PPT需求与主题，确定风格和行业类别。
ACT：依次调用 get_theme_list 选择模板、create_outline 生成大纲、create_ppt_by_outline 生成PPT。
OBSERVE：检查每一步的结果，模板筛选无结果时自动回退到默认模板。

返回任务ID(task_id)以及模板、大纲和PPT信息，之后使用 get_task_progress 轮询生成进度。`

// relay renders a backend reply as the tool result. Replies with a non-zero
// code are relayed unchanged so the caller sees the backend's own desc.
func relay(res *Response, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return tools.Errorf("错误: %v", err), nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, res.Raw, "", "  "); err != nil {
		return tools.JSONResult(res)
	}
	return tools.TextResult(buf.String()), nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
