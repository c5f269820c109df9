/*
 Copyright 2023 BucketFS Authors.

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/trace"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/aws/smithy-go/logging"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/basenana/bucketfs/config"
	"github.com/basenana/bucketfs/pkg/types"
	"github.com/basenana/bucketfs/utils"
	"github.com/basenana/bucketfs/utils/logger"
)

const (
	defaultS3ReadLimit  = 32
	defaultS3WriteLimit = 16
)

type s3Storage struct {
	sid       string
	s3Client  *s3.Client
	cfg       *config.S3Config
	readRate  *utils.ParallelLimiter
	writeRate *utils.ParallelLimiter
	logger    *zap.SugaredLogger
}

var _ Storage = &s3Storage{}

func (s *s3Storage) ID() string {
	return s.sid
}

func (s *s3Storage) Get(ctx context.Context, key string, off, limit int64) (io.ReadCloser, error) {
	defer trace.StartRegion(ctx, "storage.s3.Get").End()
	if err := s.readRate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.readRate.Release()

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.BucketName),
		Key:    aws.String(s.objectKey(key)),
	}
	if off > 0 || limit > 0 {
		input.Range = aws.String(rangeHeader(off, limit))
	}
	output, err := s.s3Client.GetObject(ctx, input)
	if err != nil {
		if isS3InvalidRange(err) {
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
		return nil, s.translate("get", key, err)
	}
	return output.Body, nil
}

func (s *s3Storage) Put(ctx context.Context, key string, data io.Reader, size int64) (types.ObjectInfo, error) {
	defer trace.StartRegion(ctx, "storage.s3.Put").End()
	if err := s.writeRate.Acquire(ctx); err != nil {
		return types.ObjectInfo{}, err
	}
	defer s.writeRate.Release()

	output, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.BucketName),
		Key:           aws.String(s.objectKey(key)),
		Body:          newS3SeekerWrapper(data),
		ContentLength: size,
	})
	if err != nil {
		return types.ObjectInfo{}, s.translate("put", key, err)
	}
	return types.ObjectInfo{Key: key, Size: size, ETag: types.TrimETag(aws.ToString(output.ETag)), ModTime: time.Now()}, nil
}

func (s *s3Storage) Delete(ctx context.Context, key string) error {
	defer trace.StartRegion(ctx, "storage.s3.Delete").End()
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.BucketName),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return s.translate("delete", key, err)
	}
	return nil
}

func (s *s3Storage) Head(ctx context.Context, key string) (types.ObjectInfo, error) {
	defer trace.StartRegion(ctx, "storage.s3.Head").End()
	output, err := s.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.BucketName),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return types.ObjectInfo{}, s.translate("head", key, err)
	}
	return types.ObjectInfo{
		Key:     key,
		Size:    output.ContentLength,
		ETag:    types.TrimETag(aws.ToString(output.ETag)),
		ModTime: aws.ToTime(output.LastModified),
	}, nil
}

func (s *s3Storage) List(ctx context.Context, prefix, delimiter string) ([]types.ObjectInfo, error) {
	defer trace.StartRegion(ctx, "storage.s3.List").End()
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.cfg.BucketName),
		Prefix:  aws.String(s.objectKey(prefix)),
		MaxKeys: ListPageSize,
	}
	if delimiter != "" {
		input.Delimiter = aws.String(delimiter)
	}

	var (
		result    []types.ObjectInfo
		paginator = s3.NewListObjectsV2Paginator(s.s3Client, input)
	)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.translate("list", prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			result = append(result, types.ObjectInfo{Key: trimPrefix(s.cfg.Prefix, aws.ToString(cp.Prefix)), IsPrefix: true})
		}
		for _, obj := range page.Contents {
			key := trimPrefix(s.cfg.Prefix, aws.ToString(obj.Key))
			if key == prefix {
				continue
			}
			result = append(result, types.ObjectInfo{
				Key:     key,
				Size:    obj.Size,
				ETag:    types.TrimETag(aws.ToString(obj.ETag)),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return result, nil
}

func (s *s3Storage) Copy(ctx context.Context, src, dst string) (types.ObjectInfo, error) {
	defer trace.StartRegion(ctx, "storage.s3.Copy").End()
	output, err := s.s3Client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.cfg.BucketName),
		Key:        aws.String(s.objectKey(dst)),
		CopySource: aws.String(copySource(s.cfg.BucketName, s.objectKey(src))),
	})
	if err != nil {
		return types.ObjectInfo{}, s.translate("copy", src, err)
	}
	info := types.ObjectInfo{Key: dst, ModTime: time.Now()}
	if output.CopyObjectResult != nil {
		info.ETag = types.TrimETag(aws.ToString(output.CopyObjectResult.ETag))
		info.ModTime = aws.ToTime(output.CopyObjectResult.LastModified)
	}
	return info, nil
}

func (s *s3Storage) CreateMultipart(ctx context.Context, key string) (string, error) {
	defer trace.StartRegion(ctx, "storage.s3.CreateMultipart").End()
	output, err := s.s3Client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.cfg.BucketName),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return "", s.translate("create multipart", key, err)
	}
	return aws.ToString(output.UploadId), nil
}

func (s *s3Storage) UploadPart(ctx context.Context, key, uploadID string, number int32, data io.Reader, size int64) (string, error) {
	defer trace.StartRegion(ctx, "storage.s3.UploadPart").End()
	if err := s.writeRate.Acquire(ctx); err != nil {
		return "", err
	}
	defer s.writeRate.Release()

	output, err := s.s3Client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.cfg.BucketName),
		Key:           aws.String(s.objectKey(key)),
		UploadId:      aws.String(uploadID),
		PartNumber:    number,
		Body:          newS3SeekerWrapper(data),
		ContentLength: size,
	})
	if err != nil {
		return "", s.translate("upload part", key, err)
	}
	return types.TrimETag(aws.ToString(output.ETag)), nil
}

func (s *s3Storage) CopyPart(ctx context.Context, key, uploadID string, number int32, src string, off, size int64) (string, error) {
	defer trace.StartRegion(ctx, "storage.s3.CopyPart").End()
	output, err := s.s3Client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
		Bucket:          aws.String(s.cfg.BucketName),
		Key:             aws.String(s.objectKey(key)),
		UploadId:        aws.String(uploadID),
		PartNumber:      number,
		CopySource:      aws.String(copySource(s.cfg.BucketName, s.objectKey(src))),
		CopySourceRange: aws.String(rangeHeader(off, size)),
	})
	if err != nil {
		return "", s.translate("copy part", key, err)
	}
	if output.CopyPartResult == nil {
		return "", fmt.Errorf("copy part %d of %s: empty result", number, key)
	}
	return types.TrimETag(aws.ToString(output.CopyPartResult.ETag)), nil
}

func (s *s3Storage) CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.CompletedPart) (types.ObjectInfo, error) {
	defer trace.StartRegion(ctx, "storage.s3.CompleteMultipart").End()
	completed := make([]s3types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, s3types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: p.Number,
		})
	}
	output, err := s.s3Client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.cfg.BucketName),
		Key:             aws.String(s.objectKey(key)),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return types.ObjectInfo{}, s.translate("complete multipart", key, err)
	}
	return types.ObjectInfo{Key: key, ETag: types.TrimETag(aws.ToString(output.ETag)), ModTime: time.Now()}, nil
}

func (s *s3Storage) AbortMultipart(ctx context.Context, key, uploadID string) error {
	defer trace.StartRegion(ctx, "storage.s3.AbortMultipart").End()
	_, err := s.s3Client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.cfg.BucketName),
		Key:      aws.String(s.objectKey(key)),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return s.translate("abort multipart", key, err)
	}
	return nil
}

func (s *s3Storage) objectKey(key string) string {
	return withPrefix(s.cfg.Prefix, key)
}

func (s *s3Storage) translate(op, key string, err error) error {
	err = classifyS3Error(op, key, err)
	if errors.Is(err, types.ErrNotFound) {
		s.logger.Debugw("s3 object not found", "operation", op, "key", key)
		return err
	}
	s.logger.Errorw("s3 operation failed", "operation", op, "key", key, "err", err)
	return err
}

func (s *s3Storage) initBucket(ctx context.Context) error {
	_, err := s.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.BucketName)})
	if err == nil {
		return nil
	}
	s.logger.Warnw("head bucket got error, try create one", "bucket", s.cfg.BucketName, "err", err)

	input := &s3.CreateBucketInput{Bucket: aws.String(s.cfg.BucketName)}
	if s.cfg.Region != "" && s.cfg.Region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{LocationConstraint: s3types.BucketLocationConstraint(s.cfg.Region)}
	}
	if _, err = s.s3Client.CreateBucket(ctx, input); err != nil {
		s.logger.Errorw("create bucket error", "bucket", s.cfg.BucketName, "err", err)
		return fmt.Errorf("create bucket %s error %s", s.cfg.BucketName, err)
	}
	return nil
}

// classifyS3Error maps SDK errors onto the sentinel errors of this module.
func classifyS3Error(op, key string, err error) error {
	var (
		nsk     *s3types.NoSuchKey
		nf      *s3types.NotFound
		nsu     *s3types.NoSuchUpload
		respErr *awshttp.ResponseError
		apiErr  smithy.APIError
	)
	switch {
	case errors.As(err, &nsk), errors.As(err, &nf):
		return pkgerrors.Wrapf(types.ErrNotFound, "s3 %s %s", op, key)
	case errors.As(err, &nsu):
		return pkgerrors.Wrapf(types.ErrNotFound, "s3 %s %s: no such upload", op, key)
	}
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return pkgerrors.Wrapf(types.ErrNotFound, "s3 %s %s", op, key)
		case "AccessDenied":
			return pkgerrors.Wrapf(types.ErrNoAccess, "s3 %s %s", op, key)
		}
		if isTransientCode(apiErr.ErrorCode()) {
			return transient("s3 "+op, key, err)
		}
	}
	if errors.As(err, &respErr) {
		switch {
		case respErr.HTTPStatusCode() == 404:
			return pkgerrors.Wrapf(types.ErrNotFound, "s3 %s %s", op, key)
		case respErr.HTTPStatusCode() == 403:
			return pkgerrors.Wrapf(types.ErrNoAccess, "s3 %s %s", op, key)
		case isTransientStatus(respErr.HTTPStatusCode()):
			return transient("s3 "+op, key, err)
		}
	}
	if isTransientError(err) {
		return transient("s3 "+op, key, err)
	}
	return pkgerrors.Wrapf(err, "s3 %s %s", op, key)
}

func isS3InvalidRange(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange"
}

func newS3Storage(storageID string, cfg *config.S3Config) (Storage, error) {
	log := logger.NewLogger("s3")
	if cfg == nil {
		return nil, fmt.Errorf("s3 config is nil")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is empty")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("access_key_id or secret_access_key is empty")
	}
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("bucket_name is empty")
	}

	awsConfig, err := awscfg.LoadDefaultConfig(
		context.TODO(),
		awscfg.WithRegion(cfg.Region),
		awscfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)),
		awscfg.WithDefaultsMode(aws.DefaultsModeStandard),
		awscfg.WithLogger(s3LoggerWrapper{SugaredLogger: log}),
		awscfg.WithClientLogMode(aws.LogRequest),
	)
	if err != nil {
		return nil, err
	}

	readLimit, writeLimit := cfg.ReadLimit, cfg.WriteLimit
	if readLimit == 0 {
		readLimit = defaultS3ReadLimit
	}
	if writeLimit == 0 {
		writeLimit = defaultS3WriteLimit
	}
	s := &s3Storage{
		sid:       storageID,
		s3Client:  s3.NewFromConfig(awsConfig, s3CustomConfig(cfg)),
		cfg:       cfg,
		readRate:  utils.NewParallelLimiter(readLimit),
		writeRate: utils.NewParallelLimiter(writeLimit),
		logger:    log,
	}
	return s, s.initBucket(context.TODO())
}

type s3LoggerWrapper struct {
	*zap.SugaredLogger
}

func (log s3LoggerWrapper) Logf(classification logging.Classification, format string, v ...interface{}) {
	if classification == logging.Warn {
		log.Warnf(format, v...)
		return
	}
	log.Debugf(format, v...)
}

// s3CustomConfig turns the SDK retryer off, retries are driven by retryStorage.
func s3CustomConfig(cfg *config.S3Config) func(opt *s3.Options) {
	return func(opt *s3.Options) {
		opt.Retryer = aws.NopRetryer{}
		opt.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			opt.EndpointResolver = s3.EndpointResolverFromURL(cfg.Endpoint)
		}
	}
}

// newS3SeekerWrapper Wrap the Reader as a ReadSeeker by using a memory copy.
func newS3SeekerWrapper(r io.Reader) io.ReadSeeker {
	if rs, ok := r.(io.ReadSeeker); ok {
		return rs
	}
	data, _ := io.ReadAll(r)
	return bytes.NewReader(data)
}
