package library

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"pmpsync/model"

	"github.com/dhowden/tag"
)

// ErrInvalidPayload 上传内容不是可识别的音频文件
var ErrInvalidPayload = errors.New("invalid payload")

// Inspect 校验音频结构并抽取有序元数据
func Inspect(r io.ReadSeeker) (model.Metadata, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	m, err := tag.ReadFrom(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var md model.Metadata
	add := func(key, value string) {
		if value != "" {
			md = append(md, model.MetadataEntry{Key: key, Value: value})
		}
	}
	add("FORMAT", string(m.Format()))
	add("FILETYPE", string(m.FileType()))
	add("TITLE", m.Title())
	add("ARTIST", m.Artist())
	add("ALBUM", m.Album())
	add("ALBUMARTIST", m.AlbumArtist())
	add("GENRE", m.Genre())
	if y := m.Year(); y > 0 {
		add("YEAR", strconv.Itoa(y))
	}
	if n, _ := m.Track(); n > 0 {
		add("TRACKNUMBER", strconv.Itoa(n))
	}
	return md, nil
}
