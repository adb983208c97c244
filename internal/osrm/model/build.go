package model

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// BuildStatus 构建状态
type BuildStatus string

const (
	StatusPending    BuildStatus = "PENDING"
	StatusBuilding   BuildStatus = "BUILDING"
	StatusTesting    BuildStatus = "TESTING"
	StatusReady      BuildStatus = "READY"
	StatusDeployed   BuildStatus = "DEPLOYED"
	StatusFailed     BuildStatus = "FAILED"
	StatusDeprecated BuildStatus = "DEPRECATED"
)

// MaxErrorMessageLen error_message 列允许的最大字符数
const MaxErrorMessageLen = 1000

const truncatedSuffix = "...(truncated)"

// transitions 合法的状态迁移表
var transitions = map[BuildStatus][]BuildStatus{
	StatusPending:  {StatusBuilding, StatusFailed},
	StatusBuilding: {StatusTesting, StatusReady, StatusFailed},
	StatusTesting:  {StatusReady, StatusFailed},
	StatusReady:    {StatusDeployed, StatusDeprecated},
	StatusDeployed: {StatusDeprecated},
}

// NonTerminalStatuses 仍在进行中的构建状态
var NonTerminalStatuses = []BuildStatus{StatusPending, StatusBuilding, StatusTesting}

// Valid 判断状态值是否合法
func (s BuildStatus) Valid() bool {
	switch s {
	case StatusPending, StatusBuilding, StatusTesting, StatusReady,
		StatusDeployed, StatusFailed, StatusDeprecated:
		return true
	}
	return false
}

// InProgress 构建是否仍在进行中
func (s BuildStatus) InProgress() bool {
	return s == StatusPending || s == StatusBuilding || s == StatusTesting
}

// Terminal 是否为终态
func (s BuildStatus) Terminal() bool {
	return s == StatusFailed || s == StatusDeprecated
}

// CanTransition 判断 from -> to 是否为合法迁移
func CanTransition(from, to BuildStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BuildRecord 一次构建的持久化记录
type BuildRecord struct {
	BuildID          string      `json:"build_id" db:"build_id"`
	InstanceName     string      `json:"instance_name" db:"instance_name"`
	Status           BuildStatus `json:"status" db:"status"`
	DataSnapshotTime *time.Time  `json:"data_snapshot_time,omitempty" db:"data_snapshot_time"`
	TotalSegments    *int64      `json:"total_segments,omitempty" db:"total_segments"`
	PBFFilePath      string      `json:"pbf_file_path" db:"pbf_file_path"`
	PipelineVersion  string      `json:"pipeline_version" db:"pipeline_version"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
	StartedAt        *time.Time  `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
	DeployedAt       *time.Time  `json:"deployed_at,omitempty" db:"deployed_at"`
	OSRMOutputPath   *string     `json:"osrm_output_path,omitempty" db:"osrm_output_path"`
	AvgWeight        *float64    `json:"avg_weight,omitempty" db:"avg_weight"`
	ErrorMessage     *string     `json:"error_message,omitempty" db:"error_message"`
}

// NewBuildRecord 创建一条 PENDING 状态的构建记录
func NewBuildRecord(instanceName string, now time.Time) *BuildRecord {
	return &BuildRecord{
		BuildID:      uuid.NewString(),
		InstanceName: instanceName,
		Status:       StatusPending,
		CreatedAt:    now.UTC(),
	}
}

// Clone 深拷贝记录
func (r *BuildRecord) Clone() *BuildRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.DataSnapshotTime = clonePtr(r.DataSnapshotTime)
	c.TotalSegments = clonePtr(r.TotalSegments)
	c.StartedAt = clonePtr(r.StartedAt)
	c.CompletedAt = clonePtr(r.CompletedAt)
	c.DeployedAt = clonePtr(r.DeployedAt)
	c.OSRMOutputPath = clonePtr(r.OSRMOutputPath)
	c.AvgWeight = clonePtr(r.AvgWeight)
	c.ErrorMessage = clonePtr(r.ErrorMessage)
	return &c
}

// Advance 将记录迁移到新状态并写入对应的时间戳
func (r *BuildRecord) Advance(to BuildStatus, at time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s for build %s", ErrInvalidTransition, r.Status, to, r.BuildID)
	}
	at = at.UTC()
	switch to {
	case StatusBuilding:
		r.StartedAt = &at
	case StatusReady, StatusFailed:
		r.CompletedAt = &at
	case StatusDeployed:
		if r.DeployedAt != nil {
			return fmt.Errorf("%w: build %s already deployed at %s", ErrInvalidTransition, r.BuildID, r.DeployedAt.Format(time.RFC3339))
		}
		r.DeployedAt = &at
	}
	r.Status = to
	return nil
}

// Fail 将记录置为 FAILED 并记录截断后的错误信息
func (r *BuildRecord) Fail(message string, at time.Time) error {
	if err := r.Advance(StatusFailed, at); err != nil {
		return err
	}
	msg := TruncateMessage(message)
	r.ErrorMessage = &msg
	return nil
}

// TruncateMessage 将错误信息截断到 MaxErrorMessageLen 个字符以内
func TruncateMessage(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxErrorMessageLen {
		return msg
	}
	keep := MaxErrorMessageLen - utf8.RuneCountInString(truncatedSuffix)
	runes := []rune(msg)
	return string(runes[:keep]) + truncatedSuffix
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
