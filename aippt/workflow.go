package aippt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"
)

// anyIndustry is the neutral value that disables template filtering.
const anyIndustry = "通用"

const previewLimit = 200

// WorkflowParams are the inputs of the full generation workflow.
type WorkflowParams struct {
	Topic           string  `json:"topic" jsonschema_description:"PPT主题或题目，描述要生成的PPT内容"`
	Requirements    string  `json:"requirements,omitempty" jsonschema_description:"具体要求和细节，如：目标受众、内容重点、风格偏好等"`
	StylePreference *string `json:"style_preference,omitempty" jsonschema:"default=简约" jsonschema_description:"PPT风格偏好，如：简约、商务、科技、教育等"`
	Industry        *string `json:"industry,omitempty" jsonschema:"default=通用" jsonschema_description:"所属行业或领域，如：教育培训、科技互联网、金融、医疗等"`
	Author          *string `json:"author,omitempty" jsonschema:"default=AI助手" jsonschema_description:"PPT作者名称"`
	EnableFigures   *bool   `json:"enable_figures,omitempty" jsonschema:"default=true" jsonschema_description:"是否启用自动配图功能"`
	EnableNotes     *bool   `json:"enable_notes,omitempty" jsonschema:"default=true" jsonschema_description:"是否生成演讲备注"`
	EnableSearch    *bool   `json:"enable_search,omitempty" jsonschema:"default=false" jsonschema_description:"是否联网搜索补充内容"`
}

// WorkflowStep is one THINK, ACT, OBSERVE or ERROR entry of the workflow log.
type WorkflowStep struct {
	Stage            string  `json:"stage"`
	Action           string  `json:"action"`
	Description      string  `json:"description,omitempty"`
	Error            string  `json:"error,omitempty"`
	Status           string  `json:"status,omitempty"`
	TemplateID       string  `json:"template_id,omitempty"`
	TemplateName     string  `json:"template_name,omitempty"`
	TemplateStyle    *string `json:"template_style,omitempty"`
	TemplateIndustry *string `json:"template_industry,omitempty"`
	OutlineTitle     *string `json:"outline_title,omitempty"`
	OutlineChapters  *int    `json:"outline_chapters,omitempty"`
	OutlinePreview   string  `json:"outline_preview,omitempty"`
	TaskID           string  `json:"task_id,omitempty"`
	CoverImage       *string `json:"cover_image,omitempty"`
	PPTTitle         *string `json:"ppt_title,omitempty"`
	PPTSubtitle      *string `json:"ppt_subtitle,omitempty"`
	Timestamp        float64 `json:"timestamp,omitempty"`
}

type TemplateInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Style    string `json:"style"`
	Industry string `json:"industry"`
}

type OutlineInfo struct {
	Title    string `json:"title"`
	Subtitle string `json:"subtitle"`
	Chapters int    `json:"chapters"`
}

type PPTInfo struct {
	Title      string `json:"title"`
	Subtitle   string `json:"subtitle"`
	CoverImage string `json:"cover_image"`
}

type ReactSummary struct {
	TotalStages  int    `json:"total_stages"`
	ThinkCount   int    `json:"think_count"`
	ActCount     int    `json:"act_count"`
	ObserveCount int    `json:"observe_count"`
	Status       string `json:"status"`
}

// WorkflowResult is the JSON document returned by the workflow tool.
type WorkflowResult struct {
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
	TaskID       string          `json:"task_id,omitempty"`
	TemplateInfo *TemplateInfo   `json:"template_info,omitempty"`
	OutlineInfo  *OutlineInfo    `json:"outline_info,omitempty"`
	PPTInfo      *PPTInfo        `json:"ppt_info,omitempty"`
	NextSteps    []string        `json:"next_steps,omitempty"`
	WorkflowLog  []WorkflowStep  `json:"workflow_log"`
	ReactSummary *ReactSummary   `json:"react_summary,omitempty"`
	DebugInfo    json.RawMessage `json:"debug_info,omitempty"`
}

type template struct {
	TemplateIndexID any    `json:"templateIndexId"`
	TemplateName    string `json:"templateName"`
	Style           string `json:"style"`
	Industry        string `json:"industry"`
}

type taskData struct {
	SID         string `json:"sid"`
	Title       string `json:"title"`
	SubTitle    string `json:"subTitle"`
	CoverImgSrc string `json:"coverImgSrc"`
}

// RunWorkflow picks a template, generates an outline and submits a PPT task
// built from it. It never returns an error: failures are reported in the
// result so the caller can inspect the log of what was attempted.
func (c *Client) RunWorkflow(ctx context.Context, p WorkflowParams) *WorkflowResult {
	w := &workflow{c: c, log: c.log.With(slog.String("workflow", "full_ppt"))}
	res, err := w.run(ctx, p)
	if err != nil {
		w.step(WorkflowStep{
			Stage:     "ERROR",
			Action:    "工作流异常",
			Error:     err.Error(),
			Timestamp: w.timestamp(),
		})
		w.log.ErrorContext(ctx, "aippt.workflow.err", slog.String("err", err.Error()))
		return &WorkflowResult{
			Error:       fmt.Sprintf("ReACT工作流执行异常: %v", err),
			WorkflowLog: w.steps,
		}
	}
	return res
}

type workflow struct {
	c     *Client
	log   *slog.Logger
	steps []WorkflowStep
}

func (w *workflow) step(s WorkflowStep) {
	w.steps = append(w.steps, s)
}

func (w *workflow) timestamp() float64 {
	return float64(w.c.now().UnixNano()) / float64(time.Second)
}

func (w *workflow) fail(msg string) *WorkflowResult {
	return &WorkflowResult{Error: msg, WorkflowLog: w.steps}
}

func (w *workflow) run(ctx context.Context, p WorkflowParams) (*WorkflowResult, error) {
	style := strOr(p.StylePreference, "简约")
	industry := strOr(p.Industry, anyIndustry)

	w.step(WorkflowStep{
		Stage:       "THINK",
		Action:      "分析PPT需求",
		Description: fmt.Sprintf("主题: %s, 风格: %s, 行业: %s", p.Topic, style, industry),
		Timestamp:   w.timestamp(),
	})

	// Template selection.
	w.step(WorkflowStep{
		Stage:       "ACT",
		Action:      "获取PPT模板",
		Description: fmt.Sprintf("搜索 %s 风格、%s 行业的模板", style, industry),
	})
	filter := TemplateListParams{PayType: "not_free", PageSize: 10}
	if style != "" && style != anyIndustry {
		filter.Style = style
	}
	if industry != "" && industry != anyIndustry {
		filter.Industry = industry
	}
	listing, err := w.c.TemplateList(ctx, filter)
	if err != nil {
		return nil, err
	}
	if !listing.OK() {
		w.step(WorkflowStep{Stage: "OBSERVE", Action: "模板获取失败", Error: descOr(listing), Status: "failed"})
		return w.fail("无法获取PPT模板"), nil
	}
	templates := decodeTemplates(listing)
	if len(templates) == 0 {
		w.step(WorkflowStep{Stage: "OBSERVE", Action: "未找到合适模板", Description: "尝试使用默认模板"})
		fallback, err := w.c.TemplateList(ctx, TemplateListParams{PayType: "not_free", PageSize: 5})
		if err != nil {
			return nil, err
		}
		templates = decodeTemplates(fallback)
	}
	if len(templates) == 0 {
		return w.fail("无可用PPT模板"), nil
	}

	selected := templates[0]
	templateID := stringify(selected.TemplateIndexID)
	w.step(WorkflowStep{
		Stage:            "OBSERVE",
		Action:           "模板选择成功",
		TemplateID:       templateID,
		TemplateName:     orDefault(selected.TemplateName, "未知"),
		TemplateStyle:    &selected.Style,
		TemplateIndustry: &selected.Industry,
	})
	w.log.InfoContext(ctx, "aippt.workflow.template", slog.String("template_id", templateID))

	// Outline.
	w.step(WorkflowStep{
		Stage:       "ACT",
		Action:      "生成PPT大纲",
		Description: fmt.Sprintf("基于主题 '%s' 和要求 '%s' 生成结构化大纲", p.Topic, p.Requirements),
	})
	query := p.Topic
	if p.Requirements != "" {
		query += "\n\n具体要求：" + p.Requirements
	}
	search := boolOr(p.EnableSearch, false)
	outlineRes, err := w.c.CreateOutline(ctx, OutlineParams{Text: query, Language: "cn", Search: search})
	if err != nil {
		return nil, err
	}
	if !outlineRes.OK() {
		w.step(WorkflowStep{Stage: "OBSERVE", Action: "大纲生成失败", Error: descOr(outlineRes), Status: "failed"})
		return w.fail("大纲生成失败"), nil
	}
	outline, summary := decodeOutline(outlineRes)
	if outline == nil {
		return w.fail("生成的大纲为空"), nil
	}
	w.step(WorkflowStep{
		Stage:           "OBSERVE",
		Action:          "大纲生成成功",
		OutlineTitle:    &summary.Title,
		OutlineChapters: &summary.Chapters,
		OutlinePreview:  preview(outline),
	})

	// PPT task.
	w.step(WorkflowStep{Stage: "ACT", Action: "生成PPT", Description: "使用选定模板和生成的大纲创建PPT"})
	task, err := w.c.CreatePPTByOutline(ctx, CreateTaskParams{
		Text:       query,
		TemplateID: templateID,
		Author:     strOr(p.Author, "AI助手"),
		IsCardNote: boolOr(p.EnableNotes, true),
		Search:     search,
		IsFigure:   boolOr(p.EnableFigures, true),
		AIImage:    "normal",
	}, outline)
	if err != nil {
		return nil, err
	}
	if !task.OK() {
		w.step(WorkflowStep{Stage: "OBSERVE", Action: "PPT生成失败", Error: descOr(task), Status: "failed"})
		res := w.fail("PPT生成失败")
		res.DebugInfo = task.Raw
		return res, nil
	}
	var data taskData
	_ = json.Unmarshal(task.Data, &data)
	if data.SID == "" {
		return w.fail("未获取到PPT生成任务ID"), nil
	}
	w.step(WorkflowStep{
		Stage:       "OBSERVE",
		Action:      "PPT生成任务已提交",
		TaskID:      data.SID,
		CoverImage:  &data.CoverImgSrc,
		PPTTitle:    &data.Title,
		PPTSubtitle: &data.SubTitle,
	})
	w.step(WorkflowStep{Stage: "ACT", Action: "监控生成进度", Description: "定期检查PPT生成状态"})
	w.log.InfoContext(ctx, "aippt.workflow.submitted", slog.String("sid", data.SID))

	return &WorkflowResult{
		Success: true,
		TaskID:  data.SID,
		TemplateInfo: &TemplateInfo{
			ID:       templateID,
			Name:     selected.TemplateName,
			Style:    selected.Style,
			Industry: selected.Industry,
		},
		OutlineInfo: &summary,
		PPTInfo: &PPTInfo{
			Title:      data.Title,
			Subtitle:   data.SubTitle,
			CoverImage: data.CoverImgSrc,
		},
		NextSteps: []string{
			fmt.Sprintf("使用 get_task_progress 工具查询任务 %s 的生成进度", data.SID),
			"等待PPT生成完成后，可获取下载链接",
			"建议每30-60秒查询一次进度，直到任务完成",
		},
		WorkflowLog:  w.steps,
		ReactSummary: summarize(w.steps),
	}, nil
}

func summarize(steps []WorkflowStep) *ReactSummary {
	s := &ReactSummary{TotalStages: len(steps), Status: "completed_successfully"}
	for _, st := range steps {
		switch st.Stage {
		case "THINK":
			s.ThinkCount++
		case "ACT":
			s.ActCount++
		case "OBSERVE":
			s.ObserveCount++
		}
	}
	return s
}

func decodeTemplates(res *Response) []template {
	var page struct {
		List []template `json:"list"`
	}
	if len(res.Data) == 0 || json.Unmarshal(res.Data, &page) != nil {
		return nil
	}
	return page.List
}

// decodeOutline extracts data.outline. A missing, null or empty outline
// yields nil.
func decodeOutline(res *Response) (json.RawMessage, OutlineInfo) {
	var data struct {
		Outline json.RawMessage `json:"outline"`
	}
	if len(res.Data) == 0 || json.Unmarshal(res.Data, &data) != nil {
		return nil, OutlineInfo{}
	}
	var o map[string]any
	if json.Unmarshal(data.Outline, &o) != nil || len(o) == 0 {
		return nil, OutlineInfo{}
	}
	info := OutlineInfo{}
	if v, ok := o["title"]; ok {
		info.Title = stringify(v)
	}
	if v, ok := o["subTitle"]; ok {
		info.Subtitle = stringify(v)
	}
	if chapters, ok := o["chapters"].([]any); ok {
		info.Chapters = len(chapters)
	}
	return data.Outline, info
}

func preview(raw json.RawMessage) string {
	s := string(raw)
	if utf8.RuneCountInString(s) <= previewLimit {
		return s
	}
	return string([]rune(s)[:previewLimit]) + "..."
}

func descOr(res *Response) string {
	return orDefault(res.Desc, "未知错误")
}

func strOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}
