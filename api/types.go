package api

import (
	"time"

	"github.com/BaSui01/digigami/threed"
)

// =============================================================================
// 3D 生成类型
// =============================================================================

// GenerateResult 是 POST /api/3d/generate 与 /api/3d/generate-character 的响应体。
// @Description 3D 生成结果
type GenerateResult struct {
	// 最终任务快照（completed 或 failed）
	Task *threed.Task `json:"task"`
	// 从提交到结束的耗时（毫秒）
	DurationMS int64 `json:"duration_ms"`
}

// ActiveTask 是活动任务列表中的一项。
type ActiveTask struct {
	TaskID    string         `json:"task_id"`
	Backend   threed.Backend `json:"backend"`
	Multiview bool           `json:"multiview"`
	StartedAt time.Time      `json:"started_at"`
	// 已运行时长（秒）
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// TaskList 是 GET /api/3d/tasks 的响应体。
type TaskList struct {
	// 本进程正在轮询的任务，按开始时间排序
	Tasks []ActiveTask `json:"tasks"`
	Count int          `json:"count"`
	// 集群范围内的活动任务（经 Redis 镜像），未启用时为空
	Cluster []ActiveTask `json:"cluster,omitempty"`
}

// BackendInfo 描述一个已配置的后端。
type BackendInfo struct {
	Name      threed.Backend `json:"name"`
	Multiview bool           `json:"multiview"`
	Default   bool           `json:"default"`
}

// =============================================================================
// 历史记录类型
// =============================================================================

// HistoryEntry 是一条已结束的生成记录。
type HistoryEntry struct {
	ID           string         `json:"id"`
	TaskID       string         `json:"task_id"`
	Backend      threed.Backend `json:"backend"`
	Outcome      string         `json:"outcome"`
	Multiview    bool           `json:"multiview"`
	Progress     float64        `json:"progress"`
	ModelURL     string         `json:"model_url,omitempty"`
	ThumbnailURL string         `json:"thumbnail_url,omitempty"`
	LocalPath    string         `json:"local_path,omitempty"`
	Error        string         `json:"error,omitempty"`
	FailureStage string         `json:"failure_stage,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	DurationMS   int64          `json:"duration_ms"`
	FinishedAt   time.Time      `json:"finished_at"`
}

// HistoryPage 是 GET /api/3d/history 的响应体。
type HistoryPage struct {
	Records []HistoryEntry   `json:"records"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
	Totals  map[string]int64 `json:"totals"`
}

// =============================================================================
// WebSocket 消息
// =============================================================================

// WSMessageType 区分 /ws/3d 上的消息。
type WSMessageType string

// 客户端 → 服务端
const (
	WSHandshake         WSMessageType = "handshake"
	WSGenerate          WSMessageType = "generate_3d"
	WSGenerateCharacter WSMessageType = "generate_character"
	WSCancel            WSMessageType = "cancel_generation"
	WSPing              WSMessageType = "ping"
)

// 服务端 → 客户端
const (
	WSHandshakeAck WSMessageType = "handshake_ack"
	WSProgress     WSMessageType = "progress"
	WSResult       WSMessageType = "result"
	WSStatus       WSMessageType = "status"
	WSError        WSMessageType = "error"
	WSPong         WSMessageType = "pong"
)

// WSRequest 是客户端发来的消息。
type WSRequest struct {
	Type WSMessageType `json:"type"`
	// generate_3d: base64 或 data URL 编码的图片
	Image string `json:"image,omitempty"`
	// generate_character: 相对于 poses.root 的目录与角色名
	PosesDir      string               `json:"poses_dir,omitempty"`
	CharacterName string               `json:"character_name,omitempty"`
	Backend       string               `json:"backend,omitempty"`
	Options       threed.SubmitOptions `json:"options,omitempty"`
}

// WSResponse 是服务端推送的消息。字段按类型取用。
type WSResponse struct {
	Type      WSMessageType    `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	Backends  []threed.Backend `json:"backends,omitempty"`
	Percent   *float64         `json:"percent,omitempty"`
	Message   string           `json:"message,omitempty"`
	Task      *threed.Task     `json:"task,omitempty"`
	Status    string           `json:"status,omitempty"`
	Code      string           `json:"code,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}
