// Package s3 implements fs.FileSystem on top of an S3-compatible object store.
// Folders are key prefixes; an empty object whose key ends in "/" marks a
// folder that has no children yet.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"bisync/internal/crypto"
	"bisync/internal/fs"
)

// Options 初始化参数
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// NewClient 创建 minio 客户端
func NewClient(opts *Options) (*minio.Client, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client for %s: %w", opts.Endpoint, err)
	}
	return client, nil
}

// Adapter 实现了 fs.FileSystem 接口
type Adapter struct {
	client *minio.Client
	bucket string
	prefix string // 不以 / 开头或结尾, 例如 "backups/laptop"

	// names encrypts each path segment when non-nil.
	names *crypto.Cipher
}

// NewAdapter 创建适配器实例
func NewAdapter(client *minio.Client, bucket, prefix string, names *crypto.Cipher) *Adapter {
	return &Adapter{
		client: client,
		bucket: bucket,
		prefix: cleanPrefix(prefix),
		names:  names,
	}
}

func cleanPrefix(prefix string) string {
	p := strings.Trim(path.Clean("/"+prefix), "/")
	if p == "." {
		return ""
	}
	return p
}

// Root 返回根目录
func (a *Adapter) Root() string {
	return "s3://" + path.Join(a.bucket, a.prefix)
}

// objectKey 将明文相对路径转换为对象 key
func (a *Adapter) objectKey(relPath string) (string, error) {
	rel := strings.Trim(relPath, "/")
	if a.names.Enabled() && rel != "" {
		parts := strings.Split(rel, "/")
		for i, part := range parts {
			sealed, err := a.names.SealName(part)
			if err != nil {
				return "", fmt.Errorf("加密路径 %q 失败: %w", relPath, err)
			}
			parts[i] = sealed
		}
		rel = strings.Join(parts, "/")
	}
	if a.prefix == "" {
		return rel, nil
	}
	if rel == "" {
		return a.prefix, nil
	}
	return a.prefix + "/" + rel, nil
}

// relPath 将对象 key 转换为明文相对路径
func (a *Adapter) relPath(key string) (string, error) {
	rel := key
	if a.prefix != "" {
		if !strings.HasPrefix(key, a.prefix+"/") {
			return "", fmt.Errorf("key %s is outside prefix %s", key, a.prefix)
		}
		rel = strings.TrimPrefix(key, a.prefix+"/")
	}
	rel = strings.Trim(rel, "/")
	if !a.names.Enabled() || rel == "" {
		return rel, nil
	}
	parts := strings.Split(rel, "/")
	for i, part := range parts {
		plain, err := a.names.OpenName(part)
		if err != nil {
			// 旧的未加密对象, 当成普通文件名处理
			slog.Debug("解密路径失败, 按明文处理", "key", key, "part", part)
			continue
		}
		parts[i] = plain
	}
	return strings.Join(parts, "/"), nil
}

func (a *Adapter) listPrefix(relDir string) (string, error) {
	key, err := a.objectKey(relDir)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", nil
	}
	return key + "/", nil
}

func etag(s string) string {
	return strings.Trim(s, `"`)
}

// Walk lists every object under the prefix. Folders are synthesized from key
// prefixes so that parents are always visited before their children.
func (a *Adapter) Walk(ctx context.Context, poll fs.AbortPoll, visit func(*fs.FileMeta) error) error {
	prefix, err := a.listPrefix("")
	if err != nil {
		return err
	}

	entries := make(map[string]*fs.FileMeta)
	addDirs := func(rel string) {
		for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if _, ok := entries[dir]; ok {
				break
			}
			entries[dir] = &fs.FileMeta{RelPath: dir, Kind: fs.KindDirectory}
		}
	}

	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("列出对象失败 %s: %w", prefix, obj.Err)
		}
		if poll != nil && poll() {
			return fs.ErrWalkAborted
		}
		rel, err := a.relPath(obj.Key)
		if err != nil {
			return err
		}
		if rel == "" {
			continue
		}
		if strings.HasSuffix(obj.Key, "/") {
			entries[rel] = &fs.FileMeta{RelPath: rel, Kind: fs.KindDirectory, ModTime: obj.LastModified}
		} else {
			entries[rel] = &fs.FileMeta{
				RelPath:  rel,
				Size:     obj.Size,
				ModTime:  obj.LastModified,
				Kind:     fs.KindFile,
				Identity: etag(obj.ETag),
			}
		}
		addDirs(rel)
	}

	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := visit(entries[p]); err != nil {
			return err
		}
	}
	return nil
}

// OpenStream 打开下载流
func (a *Adapter) OpenStream(ctx context.Context, relPath string) (io.ReadCloser, error) {
	key, err := a.objectKey(relPath)
	if err != nil {
		return nil, err
	}
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return obj, nil
}

// unknownSizePart bounds the buffer minio allocates per upload when the
// stream length is not known up front.
const unknownSizePart = 16 << 20

// WriteStream 上传流, 返回云端 ETag 作为内容指纹
func (a *Adapter) WriteStream(ctx context.Context, relPath string, stream io.Reader, size int64, modTime time.Time) (*fs.FileMeta, error) {
	key, err := a.objectKey(relPath)
	if err != nil {
		return nil, err
	}
	opts := putOptions(size, modTime)
	info, err := a.client.PutObject(ctx, a.bucket, key, stream, size, opts)
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", key, err)
	}
	return &fs.FileMeta{
		RelPath:  relPath,
		Size:     info.Size,
		ModTime:  info.LastModified,
		Kind:     fs.KindFile,
		Identity: etag(info.ETag),
	}, nil
}

// putOptions 大小已知时由 minio 计算分片; 未知时固定分片大小, 否则会按 5 TiB 估算
func putOptions(size int64, modTime time.Time) minio.PutObjectOptions {
	opts := minio.PutObjectOptions{}
	if size < 0 {
		opts.PartSize = unknownSizePart
	}
	if !modTime.IsZero() {
		opts.UserMetadata = map[string]string{"mtime": modTime.UTC().Format(time.RFC3339Nano)}
	}
	return opts
}

// Mkdir writes a folder marker object.
func (a *Adapter) Mkdir(ctx context.Context, relPath string) error {
	key, err := a.objectKey(relPath)
	if err != nil {
		return err
	}
	_, err = a.client.PutObject(ctx, a.bucket, key+"/", bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("mkdir %s: %w", key, err)
	}
	return nil
}

// Delete 删除对象. 目录只删除标记对象, 前缀下还有其他对象时返回 fs.ErrDirNotEmpty
func (a *Adapter) Delete(ctx context.Context, relPath string) error {
	key, err := a.objectKey(relPath)
	if err != nil {
		return err
	}
	if err := a.remove(ctx, key); err != nil {
		return err
	}

	marker := key + "/"
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range a.client.ListObjects(listCtx, a.bucket, minio.ListObjectsOptions{Prefix: marker, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list %s: %w", key, obj.Err)
		}
		if obj.Key != marker {
			return fmt.Errorf("%s: %w", relPath, fs.ErrDirNotEmpty)
		}
	}
	return a.remove(ctx, marker)
}

func (a *Adapter) remove(ctx context.Context, key string) error {
	if err := a.client.RemoveObject(ctx, a.bucket, key, minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// Stat 获取单个对象元数据
func (a *Adapter) Stat(ctx context.Context, relPath string) (*fs.FileMeta, error) {
	key, err := a.objectKey(relPath)
	if err != nil {
		return nil, err
	}
	info, err := a.client.StatObject(ctx, a.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return &fs.FileMeta{
			RelPath:  relPath,
			Size:     info.Size,
			ModTime:  info.LastModified,
			Kind:     fs.KindFile,
			Identity: etag(info.ETag),
		}, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}

	// 不是对象, 检查是否为目录前缀
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range a.client.ListObjects(listCtx, a.bucket, minio.ListObjectsOptions{Prefix: key + "/", MaxKeys: 1}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("stat %s: %w", key, obj.Err)
		}
		return &fs.FileMeta{RelPath: relPath, Kind: fs.KindDirectory, ModTime: obj.LastModified}, nil
	}
	return nil, fmt.Errorf("%s: %w", relPath, fs.ErrNotExist)
}

// Rename copies every object under the old key to the new key, then removes
// the originals. Object stores have no atomic rename.
func (a *Adapter) Rename(ctx context.Context, oldRelPath, newRelPath string) error {
	oldKey, err := a.objectKey(oldRelPath)
	if err != nil {
		return err
	}
	newKey, err := a.objectKey(newRelPath)
	if err != nil {
		return err
	}

	moves := map[string]string{}
	if _, err := a.client.StatObject(ctx, a.bucket, oldKey, minio.StatObjectOptions{}); err == nil {
		moves[oldKey] = newKey
	}
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: oldKey + "/", Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list %s: %w", oldKey, obj.Err)
		}
		moves[obj.Key] = newKey + strings.TrimPrefix(obj.Key, oldKey)
	}
	if len(moves) == 0 {
		return fmt.Errorf("rename %s: %w", oldRelPath, fs.ErrNotExist)
	}

	for src, dst := range moves {
		_, err := a.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: a.bucket, Object: dst},
			minio.CopySrcOptions{Bucket: a.bucket, Object: src},
		)
		if err != nil {
			return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
		}
	}
	for src := range moves {
		if err := a.remove(ctx, src); err != nil {
			return err
		}
	}
	return nil
}
