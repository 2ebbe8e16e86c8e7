/*
Package s3 implements the storage driver against the S3 REST API.

Every tier maps to its own bucket and objects are keyed "<shard>/<hash>". Requests are
signed with AWS Signature Version 4, implemented here on top of net/http; only the
credential types and providers come from the AWS SDK.

Writes are verified before they leave the process: the body's SHA-256 must equal the
content hash, and that digest is sent as the signed payload hash, so S3 rejects any
bytes altered in transit. Tier moves are server-side copies carrying the destination
tier's storage class, followed by a delete of the source.

Presigned URLs come from the CDN builder when one is configured, and are otherwise
query-signed GET URLs with an expiry clamped to between one second and seven days.
*/
package s3
