package model

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"
)

// Role 实例在 profile 中的角色
type Role string

const (
	RoleActive  Role = "active"
	RoleStandby Role = "standby"
)

// Algorithm OSRM 路由算法
type Algorithm string

const (
	AlgorithmCH  Algorithm = "ch"
	AlgorithmMLD Algorithm = "mld"
)

// ArtifactBase 构建产物及实例数据目录中使用的基础文件名
const ArtifactBase = "map"

// Profile 路由 profile 配置，由一对实例提供服务
type Profile struct {
	Name      string    `json:"name"`      // profile 名称，如 car/bicycle
	Script    string    `json:"script"`    // osrm-extract 使用的 lua 脚本
	PBFPath   string    `json:"pbf_path"`  // 源 OSM 数据
	Algorithm Algorithm `json:"algorithm"` // ch 或 mld
	Probe     string    `json:"probe"`     // 健康检查坐标 "lon,lat;lon,lat"
	Instances []string  `json:"instances"` // 实例名，第一个默认为 active
}

// Instance 路由实例描述
type Instance struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Profile  string `json:"profile"`
	Port     int    `json:"port"`
	DataPath string `json:"data_path"`
	Role     Role   `json:"role,omitempty"`
}

// ArtifactPath 实例加载的 .osrm 基础路径
func (i Instance) ArtifactPath() string {
	return filepath.Join(i.DataPath, ArtifactBase+".osrm")
}

// ContainerStatus 实例运行状态
type ContainerStatus struct {
	Instance  string    `json:"instance"`
	Profile   string    `json:"profile"`
	Port      int       `json:"port"`
	Role      Role      `json:"role,omitempty"`
	Running   bool      `json:"running"`
	PID       int32     `json:"pid,omitempty"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// SourceSnapshot 构建开始时路网数据源的快照
type SourceSnapshot struct {
	TakenAt       time.Time `json:"taken_at"`
	TotalSegments int64     `json:"total_segments"`
	AvgWeight     float64   `json:"avg_weight"`
}

// Registry 实例与 profile 的静态注册表
type Registry struct {
	profiles  map[string]*Profile
	instances map[string]Instance
}

// NewRegistry 校验并创建注册表
func NewRegistry(profiles []Profile, instances []Instance) (*Registry, error) {
	r := &Registry{
		profiles:  make(map[string]*Profile, len(profiles)),
		instances: make(map[string]Instance, len(instances)),
	}
	ports := make(map[int]string, len(instances))
	for _, inst := range instances {
		if inst.Name == "" {
			return nil, fmt.Errorf("instance name is required")
		}
		if _, ok := r.instances[inst.Name]; ok {
			return nil, fmt.Errorf("duplicate instance %q", inst.Name)
		}
		if inst.Port <= 0 || inst.Port > 65535 {
			return nil, fmt.Errorf("instance %q: invalid port %d", inst.Name, inst.Port)
		}
		if other, ok := ports[inst.Port]; ok {
			return nil, fmt.Errorf("instances %q and %q share port %d", other, inst.Name, inst.Port)
		}
		if inst.DataPath == "" {
			return nil, fmt.Errorf("instance %q: data path is required", inst.Name)
		}
		if inst.ID == "" {
			inst.ID = inst.Name
		}
		ports[inst.Port] = inst.Name
		r.instances[inst.Name] = inst
	}
	for i := range profiles {
		p := profiles[i]
		if p.Name == "" {
			return nil, fmt.Errorf("profile name is required")
		}
		if _, ok := r.profiles[p.Name]; ok {
			return nil, fmt.Errorf("duplicate profile %q", p.Name)
		}
		if p.Algorithm == "" {
			p.Algorithm = AlgorithmMLD
		}
		if p.Algorithm != AlgorithmCH && p.Algorithm != AlgorithmMLD {
			return nil, fmt.Errorf("profile %q: unsupported algorithm %q", p.Name, p.Algorithm)
		}
		if len(p.Instances) == 0 || len(p.Instances) > 2 {
			return nil, fmt.Errorf("profile %q: expected one or two instances, got %d", p.Name, len(p.Instances))
		}
		for _, name := range p.Instances {
			inst, ok := r.instances[name]
			if !ok {
				return nil, fmt.Errorf("profile %q: %w: %s", p.Name, ErrUnknownInstance, name)
			}
			if inst.Profile != "" && inst.Profile != p.Name {
				return nil, fmt.Errorf("instance %q belongs to profiles %q and %q", name, inst.Profile, p.Name)
			}
			inst.Profile = p.Name
			r.instances[name] = inst
		}
		r.profiles[p.Name] = &p
	}
	for name, inst := range r.instances {
		if inst.Profile == "" {
			return nil, fmt.Errorf("instance %q is not assigned to any profile", name)
		}
	}
	return r, nil
}

// Instance 根据名称查找实例
func (r *Registry) Instance(name string) (Instance, error) {
	inst, ok := r.instances[name]
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", ErrUnknownInstance, name)
	}
	return inst, nil
}

// Instances 按名称排序返回所有实例
func (r *Registry) Instances() []Instance {
	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Profile 根据名称查找 profile
func (r *Registry) Profile(name string) (Profile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	return *p, nil
}

// ProfileOf 返回实例所属 profile
func (r *Registry) ProfileOf(instance string) (Profile, error) {
	inst, err := r.Instance(instance)
	if err != nil {
		return Profile{}, err
	}
	return r.Profile(inst.Profile)
}

// HasProfile 判断 profile 是否存在
func (r *Registry) HasProfile(name string) bool {
	_, ok := r.profiles[name]
	return ok
}
