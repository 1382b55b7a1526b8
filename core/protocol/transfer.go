package protocol

import "pmpsync/model"

// 传输端口的认证头
const (
	HeaderDeviceID     = "X-Device-Id"
	HeaderSessionToken = "X-Session-Token"
)

// TrackList GET / 的响应体
type TrackList struct {
	LatestActionID int64               `json:"latestActionId"`
	Tracks         []model.TrackRecord `json:"tracks"`
}

// Checksums 文件名到校验和的映射
func (l *TrackList) Checksums() map[string]string {
	out := make(map[string]string, len(l.Tracks))
	for _, t := range l.Tracks {
		out[t.Filename] = t.Checksum
	}
	return out
}

// UploadResult PUT /{filename} 成功时的响应体
type UploadResult struct {
	ActionID int64 `json:"actionId"`
}
