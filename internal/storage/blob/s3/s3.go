/*
Ferrum Mail Transfer Daemon - composable Internet mail transfer agent.
Copyright © 2021-2025 Max Mazurov <fox.cpp@disroot.org>, Ferrum contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package s3 implements the blob store keeping message content in an
// S3-compatible object store via minio-go.
package s3

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/foxcpp/ferrum/framework/config"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const modName = "storage.blob.s3"

type Store struct {
	instName string
	log      log.Logger

	endpoint string
	cl       *minio.Client

	bucketName   string
	objectPrefix string
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: expected 0 arguments", modName)
	}

	return &Store{
		instName: instName,
		log:      log.Logger{Name: modName},
	}, nil
}

// credsProviders maps the 'creds' directive values to the corresponding
// minio credential sources. The static access_key/secret_key pair is the
// default.
var credsProviders = map[string]func(accessKey, secretKey string) *credentials.Credentials{
	"access_key": func(accessKey, secretKey string) *credentials.Credentials {
		return credentials.NewStaticV4(accessKey, secretKey, "")
	},
	"file_minio": func(_, _ string) *credentials.Credentials {
		return credentials.NewFileMinioClient("", "")
	},
	"file_aws": func(_, _ string) *credentials.Credentials {
		return credentials.NewFileAWSCredentials("", "")
	},
	"iam": func(_, _ string) *credentials.Credentials {
		return credentials.NewIAM("")
	},
}

func (s *Store) Init(cfg *config.Map) error {
	var (
		secure          bool
		accessKeyID     string
		secretAccessKey string
		credsType       string
		region          string
	)
	cfg.String("endpoint", false, true, "", &s.endpoint)
	cfg.Bool("secure", false, true, &secure)
	cfg.String("access_key", false, true, "", &accessKeyID)
	cfg.String("secret_key", false, true, "", &secretAccessKey)
	cfg.String("bucket", false, true, "", &s.bucketName)
	cfg.String("region", false, false, "", &region)
	cfg.String("object_prefix", false, false, "", &s.objectPrefix)
	cfg.String("creds", false, false, "access_key", &credsType)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if s.endpoint == "" {
		return fmt.Errorf("%s: endpoint not set", modName)
	}
	provider, ok := credsProviders[credsType]
	if !ok {
		return fmt.Errorf("%s: unknown credentials source: %s", modName, credsType)
	}

	cl, err := minio.New(s.endpoint, &minio.Options{
		Creds:  provider(accessKeyID, secretAccessKey),
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", modName, err)
	}

	s.cl = cl
	return nil
}

func (s *Store) Name() string {
	return modName
}

func (s *Store) InstanceName() string {
	return s.instName
}

// s3blob streams writes into an in-flight PutObject call via a pipe.
// Sync closes the stream and waits for the upload result, matching the
// BlobStore contract where only synced blobs are durable.
type s3blob struct {
	pw       *io.PipeWriter
	uploaded chan error
	didSync  bool
}

func (b *s3blob) Write(p []byte) (int, error) {
	return b.pw.Write(p)
}

func (b *s3blob) Sync() error {
	// The upload error surfaces here and not in Close: Close errors
	// after a failed Sync are commonly discarded by callers. That makes
	// a second Sync on the same blob invalid.
	if b.didSync {
		panic(modName + ": Sync called twice for a blob object")
	}
	b.didSync = true

	b.pw.Close()
	return <-b.uploaded
}

func (b *s3blob) Close() error {
	if !b.didSync {
		// Abandoned blob - abort the upload.
		b.pw.CloseWithError(fmt.Errorf("%s: blob closed without Sync", modName))
	}
	return nil
}

func (s *Store) Create(ctx context.Context, key string, blobSize int64) (module.Blob, error) {
	pr, pw := io.Pipe()
	uploaded := make(chan error, 1)

	partSize := uint64(0)
	if blobSize == module.UnknownBlobSize {
		// Otherwise minio-go allocates a 500 MiB part buffer
		// (https://github.com/minio/minio-go/issues/1478).
		partSize = 1 * 1024 * 1024 /* 1 MiB */
	}

	go func() {
		_, err := s.cl.PutObject(ctx, s.bucketName, s.objectPrefix+key, pr, blobSize, minio.PutObjectOptions{
			PartSize: partSize,
		})
		if err != nil {
			pr.CloseWithError(fmt.Errorf("s3 PutObject: %w", err))
		}
		uploaded <- err
	}()

	return &s3blob{pw: pw, uploaded: uploaded}, nil
}

func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.cl.GetObject(ctx, s.bucketName, s.objectPrefix+key, minio.GetObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
			return nil, module.ErrNoSuchBlob
		}
		return nil, err
	}
	return obj, nil
}

func (s *Store) Delete(ctx context.Context, keys []string) error {
	var lastErr error
	for _, key := range keys {
		if err := s.cl.RemoveObject(ctx, s.bucketName, s.objectPrefix+key, minio.RemoveObjectOptions{}); err != nil {
			lastErr = err
			s.log.Error("failed to delete object", err, "key", s.objectPrefix+key)
		}
	}
	return lastErr
}

func init() {
	module.Register(modName, New)
}
