package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Filter 共享的曲库筛选条件
type Filter struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Key       string    `json:"key" gorm:"size:100;uniqueIndex;not null"`
	CreatedAt time.Time `json:"-"`
}

// TableName 指定表名
func (Filter) TableName() string {
	return "filters"
}

// FilterState 三态选择
type FilterState string

const (
	FilterNone     FilterState = "NONE"
	FilterPositive FilterState = "POSITIVE"
	FilterNegative FilterState = "NEGATIVE"
)

// FilterOption 某个筛选条件下一个取值的选择状态
type FilterOption struct {
	FilterID int64       `json:"filterId"`
	Value    string      `json:"value"`
	State    FilterState `json:"state"`
}

// FilterOptions JSON 列
type FilterOptions []FilterOption

// Scan 实现 sql.Scanner 接口
func (f *FilterOptions) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		*f = nil
		return nil
	}
	if len(bytes) == 0 || string(bytes) == "null" {
		*f = nil
		return nil
	}
	return json.Unmarshal(bytes, f)
}

// Value 实现 driver.Valuer 接口
func (f FilterOptions) Value() (driver.Value, error) {
	if f == nil {
		return nil, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Apply 合并增量：State 为 NONE 的项被移除，其余覆盖同 (FilterID, Value) 的旧项
func (f FilterOptions) Apply(delta FilterOptions) FilterOptions {
	out := make(FilterOptions, 0, len(f)+len(delta))
	out = append(out, f...)
	for _, d := range delta {
		idx := -1
		for i, o := range out {
			if o.FilterID == d.FilterID && o.Value == d.Value {
				idx = i
				break
			}
		}
		switch {
		case d.State == FilterNone && idx >= 0:
			out = append(out[:idx], out[idx+1:]...)
		case d.State == FilterNone:
		case idx >= 0:
			out[idx] = d
		default:
			out = append(out, d)
		}
	}
	return out
}
