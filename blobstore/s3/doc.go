// Package s3 implements blobstore.Store backed by Amazon S3.
//
// Checkpoint files are uploaded with the AWS SDK transfer manager, which
// splits large SSTs into concurrent multipart uploads.
//
// Example:
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	if err != nil {
//	    return err
//	}
//	client := awss3.NewFromConfig(cfg)
//	store := s3.NewStore(client, "my-bucket", "state/query-7/")
package s3
