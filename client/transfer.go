package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"pmpsync/core/protocol"
	"pmpsync/storage"
)

// ErrNotFound 服务端没有该文件
var ErrNotFound = errors.New("file not found on server")

// StatusError 传输端口返回的非 2xx 响应
type StatusError struct {
	Method string
	Name   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Name, e.Code, http.StatusText(e.Code))
}

// Rejected 是否为 4xx 响应，对应的动作请求会以 INVALID 结束
func (e *StatusError) Rejected() bool {
	return e.Code >= 400 && e.Code < 500
}

// transferClient 用当前凭据访问 HTTP 传输端口
type transferClient struct {
	base *url.URL
	http *http.Client

	mu       sync.RWMutex
	deviceID int64
	token    string
}

func newTransferClient(base string, httpClient *http.Client) (*transferClient, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid transfer url %q: %w", base, err)
	}
	return &transferClient{base: u, http: httpClient}, nil
}

// defaultHTTPClient 不设整体超时，上传与下载由各自的 context 限定
func defaultHTTPClient(insecure bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: insecure, MinVersion: tls.VersionTLS12} //nolint:gosec // self-signed servers are opted into by config
	transport.ResponseHeaderTimeout = 30 * time.Second
	return &http.Client{Transport: transport}
}

func (t *transferClient) setCredentials(deviceID int64, token string) {
	t.mu.Lock()
	t.deviceID = deviceID
	t.token = token
	t.mu.Unlock()
}

func (t *transferClient) newRequest(ctx context.Context, method, name string, body io.Reader) (*http.Request, error) {
	u := *t.base
	u.Path = "/" + name
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	req.Header.Set(protocol.HeaderDeviceID, strconv.FormatInt(t.deviceID, 10))
	req.Header.Set(protocol.HeaderSessionToken, t.token)
	t.mu.RUnlock()
	return req, nil
}

// List 获取权威曲目列表
func (t *transferClient) List(ctx context.Context) (*protocol.TrackList, error) {
	req, err := t.newRequest(ctx, http.MethodGet, "", nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Method: req.Method, Name: "/", Code: resp.StatusCode}
	}
	var list protocol.TrackList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode track list: %w", err)
	}
	return &list, nil
}

// Download 把一个文件流式写入曲库
// 本地写入失败以 *localError 返回，调用方据此区分网络故障
func (t *transferClient) Download(ctx context.Context, lib *storage.Library, name string) (int64, error) {
	req, err := t.newRequest(ctx, http.MethodGet, name, nil)
	if err != nil {
		return 0, err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return 0, ErrNotFound
	default:
		return 0, &StatusError{Method: req.Method, Name: name, Code: resp.StatusCode}
	}

	body := &trackingReader{r: resp.Body}
	n, err := lib.WriteAtomic(name, body)
	if err != nil {
		if body.err != nil && !errors.Is(body.err, io.EOF) {
			return n, body.err
		}
		return n, &localError{err: err}
	}
	return n, nil
}

// Upload 为本设备持有的租约上传曲库文件
func (t *transferClient) Upload(ctx context.Context, lib *storage.Library, name string) (*protocol.UploadResult, error) {
	f, err := lib.Open(name)
	if err != nil {
		return nil, &localError{err: err}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, &localError{err: err}
	}

	req, err := t.newRequest(ctx, http.MethodPut, name, f)
	if err != nil {
		return nil, err
	}
	req.ContentLength = info.Size()
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Method: req.Method, Name: name, Code: resp.StatusCode}
	}
	var result protocol.UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode upload result: %w", err)
	}
	return &result, nil
}

// localError 本地曲库而非网络的故障
type localError struct{ err error }

func (e *localError) Error() string { return "local library: " + e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil {
		t.err = err
	}
	return n, err
}
