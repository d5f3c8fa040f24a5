package download

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/caravel-data/caravel/errors"
	"github.com/caravel-data/caravel/logger"
)

// cloudUploadPostProcessor copies every output to a cloud bucket so clients
// can be redirected there instead of streaming through this host. Only
// gs:// targets are supported. Objects land under a per-run qualifier so
// repeated runs never clobber each other unless overwrite is set.
type cloudUploadPostProcessor struct {
	rt *Runtime

	targetURL       string
	credentialsFile string
	overwrite       bool
	public          bool
}

func newCloudUploadPostProcessor(rt *Runtime, params Params) (Processor, error) {
	targetURL, err := params.RequiredString("cloud_upload", "target_url")
	if err != nil {
		return nil, err
	}
	credentialsFile, _ := params.String("credentials_file")
	acl, _ := params.String("acl")
	return &cloudUploadPostProcessor{
		rt:              rt,
		targetURL:       targetURL,
		credentialsFile: credentialsFile,
		overwrite:       params.Bool("overwrite", false),
		public:          acl == "public-read",
	}, nil
}

func (p *cloudUploadPostProcessor) Process(ctx context.Context) (Outputs, error) {
	rendered, err := p.rt.Env.Render(p.targetURL)
	if err != nil {
		return nil, errors.Mark(err, errors.ErrPostProcess)
	}
	target, err := url.Parse(strings.TrimSpace(rendered))
	if err != nil || target.Scheme != "gs" || target.Host == "" {
		return nil, errors.Mark(
			errors.Newf("cloud_upload target_url %q is not a gs://bucket[/prefix] URL", rendered),
			errors.ErrConfiguration)
	}
	bucketName := target.Host
	prefix := strings.Trim(target.Path, "/")

	var opts []option.ClientOption
	if p.credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(p.credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "creating storage client"), errors.ErrPostProcess)
	}
	defer client.Close()
	bucket := client.Bucket(bucketName)

	qualifier := uuid.NewString()
	if !p.overwrite {
		qualifier = qualifier + "/" + time.Now().Format("2006-01-02_15.04.05")
	}

	for rel, out := range p.rt.Outputs {
		if err := fillDigests(out); err != nil {
			return nil, errors.Mark(err, errors.ErrPostProcess)
		}
		parts := make([]string, 0, 3)
		if prefix != "" {
			parts = append(parts, prefix)
		}
		if !p.overwrite {
			parts = append(parts, qualifier)
		}
		parts = append(parts, rel)
		objectName := strings.Join(parts, "/")

		if err := p.uploadObject(ctx, bucket, objectName, out); err != nil {
			return nil, err
		}
		remotePath := fmt.Sprintf("gs://%s/%s", bucketName, objectName)
		if p.public {
			remotePath = fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucketName, objectName)
		}
		out.RemotePaths = append(out.RemotePaths, remotePath)
		p.rt.Log.Infow("output uploaded",
			logger.FieldProcessor, "cloud_upload", logger.FieldFile, rel,
			logger.FieldURL, remotePath, logger.FieldSize, out.Size)
	}
	return Outputs{}, nil
}

func (p *cloudUploadPostProcessor) uploadObject(ctx context.Context, bucket *storage.BucketHandle, name string, out *OutputInfo) error {
	f, err := os.Open(out.LocalPath)
	if err != nil {
		return errors.Mark(errors.WithStack(err), errors.ErrPostProcess)
	}
	defer f.Close()

	w := bucket.Object(name).NewWriter(ctx)
	w.ContentType = out.ContentType
	if p.public {
		w.PredefinedACL = "publicRead"
	}
	w.Metadata = map[string]string{"content-md5": out.MD5}

	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return errors.Mark(errors.Wrapf(err, "uploading %s", name), errors.ErrPostProcess)
	}
	if err := w.Close(); err != nil {
		return errors.Mark(errors.Wrapf(err, "finalizing upload of %s", name), errors.ErrPostProcess)
	}
	return nil
}
