package s3

import (
	"encoding/xml"
	"io"
	"strings"
	"time"

	"github.com/datamarket/tierstore/pkg/types"
)

// listBucketResult is the ListObjectsV2 response document.
type listBucketResult struct {
	XMLName               xml.Name       `xml:"ListBucketResult"`
	Name                  string         `xml:"Name"`
	Prefix                string         `xml:"Prefix"`
	KeyCount              int            `xml:"KeyCount"`
	MaxKeys               int            `xml:"MaxKeys"`
	IsTruncated           bool           `xml:"IsTruncated"`
	ContinuationToken     string         `xml:"ContinuationToken"`
	NextContinuationToken string         `xml:"NextContinuationToken"`
	Contents              []listContents `xml:"Contents"`
}

type listContents struct {
	Key          string    `xml:"Key"`
	LastModified time.Time `xml:"LastModified"`
	ETag         string    `xml:"ETag"`
	Size         int64     `xml:"Size"`
	StorageClass string    `xml:"StorageClass"`
}

// listPage is one decoded listing page. A page is either complete (NextToken empty) or
// truncated, in which case NextToken continues the listing.
type listPage struct {
	Objects   []types.StorageObject
	NextToken string
	// Skipped counts keys that are not content-addressed objects.
	Skipped int
}

// Complete reports whether no further pages follow.
func (p listPage) Complete() bool {
	return p.NextToken == ""
}

// decodeListPage parses a ListObjectsV2 body. Keys that are not "shard/hash" are skipped.
func decodeListPage(r io.Reader, tier types.Tier) (listPage, error) {
	var res listBucketResult
	if err := xml.NewDecoder(r).Decode(&res); err != nil {
		return listPage{}, err
	}

	page := listPage{Objects: make([]types.StorageObject, 0, len(res.Contents))}
	if res.IsTruncated {
		page.NextToken = res.NextContinuationToken
	}
	for _, c := range res.Contents {
		hash, ok := hashFromKey(c.Key)
		if !ok {
			page.Skipped++
			continue
		}
		page.Objects = append(page.Objects, types.StorageObject{
			Hash:         hash,
			Tier:         tier,
			Size:         c.Size,
			LastModified: c.LastModified.UTC(),
			ETag:         c.ETag,
		})
	}
	return page, nil
}

// hashFromKey accepts exactly "<shard>/<hash>" where shard matches the hash.
func hashFromKey(key string) (types.ContentHash, bool) {
	shard, rest, found := strings.Cut(key, "/")
	if !found {
		return "", false
	}
	hash := types.ContentHash(rest)
	if !hash.Valid() || hash.Shard() != shard {
		return "", false
	}
	return hash, true
}

// keyPrefix translates a content-hash prefix into an object key prefix.
func keyPrefix(hashPrefix string) string {
	hashPrefix = strings.ToLower(hashPrefix)
	if len(hashPrefix) >= 2 {
		return hashPrefix[:2] + "/" + hashPrefix
	}
	return hashPrefix
}
