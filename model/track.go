package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// MetadataEntry 有序元数据键值对
type MetadataEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Metadata 有序元数据列表，以 JSON 形式存入单列
type Metadata []MetadataEntry

// Scan 实现 sql.Scanner 接口
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		*m = nil
		return nil
	}
	if len(bytes) == 0 || string(bytes) == "null" {
		*m = nil
		return nil
	}
	return json.Unmarshal(bytes, m)
}

// Value 实现 driver.Valuer 接口
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Get 返回第一个匹配 key 的值
func (m Metadata) Get(key string) (string, bool) {
	for _, e := range m {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// TrackRecord 曲库中一个文件的索引记录
// 文件身份只由 (Filename, Checksum) 决定
type TrackRecord struct {
	Filename  string    `json:"filename" gorm:"primaryKey;size:255"`
	Checksum  string    `json:"checksum" gorm:"size:8;not null"` // CRC32, 8位小写十六进制
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"modTime"`
	Metadata  Metadata  `json:"metadata,omitempty" gorm:"type:text"`
	UpdatedAt time.Time `json:"-"`
}

// TableName 指定表名
func (TrackRecord) TableName() string {
	return "tracks"
}
