package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Schedule struct {
	ID              uuid.UUID       `json:"id"`                // 调度规则的唯一标识
	JobVersionID    uuid.UUID       `json:"job_version_id"`    // 触发的 job 版本
	CronExpr        string          `json:"cron_expression"`   // cron 表达式
	Timezone        string          `json:"timezone"`          // 时区
	Enabled         bool            `json:"enabled"`           // 是否启用
	Payload         json.RawMessage `json:"payload,omitempty"` // 触发事件负载
	LastTriggeredAt *time.Time      `json:"last_triggered_at"` // 上次触发时间（补偿）
}
