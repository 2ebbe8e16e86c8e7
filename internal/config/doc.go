/*
Package config builds the single immutable tierstore configuration.

Sources are applied in order of increasing precedence:

 1. Compiled-in defaults (NewDefault)
 2. A YAML file
 3. A .env file loaded into the environment (LoadDotEnv, never overrides real variables)
 4. TIERSTORE_* environment variables

Load validates the result and returns it by value. Constructors receive the sections they need,
so no component reads the environment on its own.

Example:

	storage:
	  backend: s3
	  default_tier: hot
	  presign_ttl: 1h
	s3:
	  endpoint: http://localhost:9000
	  region: us-east-1
	  access_key_id: minio
	  secret_access_key: minio123
	  buckets: {hot: data-hot, warm: data-warm, cold: data-cold}
	lifecycle:
	  hot_to_warm_after_days: 7
	  orphan_cleanup_enabled: true
*/
package config
