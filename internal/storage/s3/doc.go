/*
Package s3 mirrors the pattern store file to an S3 object so that learned
patterns survive the loss of a node.

The engine uploads the encoded store at shutdown, after writing the local
file, and downloads it at startup when no local file exists:

	mirror, err := s3.New(ctx, &s3.Config{
		Bucket: "scheduler-state",
		Key:    "iosched/node-1.patterns",
		Region: "us-west-2",
	}, slog.Default())
	if err != nil {
		return err
	}
	data, err := mirror.Download(ctx)

Uploads go through the CargoShip transporter when EnableCargoShip is set and
fall back to a plain PutObject if it fails. Every transfer runs under
pkg/retry; failures are returned as SchedError values:

	REMOTE_NOT_FOUND     object or bucket missing, never retried
	REMOTE_UNAVAILABLE   any other S3 failure, retried
	OPERATION_TIMEOUT    per-attempt Timeout exceeded, retried

Endpoint and ForcePathStyle allow S3-compatible stores such as MinIO or
LocalStack.
*/
package s3
