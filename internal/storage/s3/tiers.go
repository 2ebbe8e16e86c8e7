package s3

import (
	"github.com/datamarket/tierstore/pkg/types"
)

// S3 storage class names
const (
	StorageClassStandard   = "STANDARD"
	StorageClassStandardIA = "STANDARD_IA"
	StorageClassGlacier    = "GLACIER"
)

// DefaultStorageClasses maps tiers to the storage class sent on write and copy.
var DefaultStorageClasses = map[types.Tier]string{
	types.TierHot:  StorageClassStandard,
	types.TierWarm: StorageClassStandardIA,
	types.TierCold: StorageClassGlacier,
}

// storageClass returns the configured class for tier. An empty class means the header is
// omitted, which lets servers without tiering support (such as MinIO) apply their default.
func (d *Driver) storageClass(tier types.Tier) string {
	if d.config.StorageClasses != nil {
		if class, ok := d.config.StorageClasses[tier]; ok {
			return class
		}
	}
	return DefaultStorageClasses[tier]
}
