package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	btree "github.com/Rikanishu/btree/ui32"
	"github.com/fsnotify/fsnotify"
	"github.com/oschwald/maxminddb-golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type cityRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		IsoCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		IsoCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
	Postal struct {
		Code string `maxminddb:"code"`
	} `maxminddb:"postal"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
		TimeZone  string  `maxminddb:"time_zone"`
	} `maxminddb:"location"`
}

func (c *cityRecord) region() *Region {
	r := &Region{
		CountryCode: c.Country.IsoCode,
		Country:     c.Country.Names["en"],
		City:        c.City.Names["en"],
		PostalCode:  c.Postal.Code,
		Latitude:    c.Location.Latitude,
		Longitude:   c.Location.Longitude,
		TimeZone:    c.Location.TimeZone,
	}
	if len(c.Subdivisions) > 0 {
		r.SubdivisionCode = c.Subdivisions[0].IsoCode
		r.Subdivision = c.Subdivisions[0].Names["en"]
	}
	return r
}

// RegionStorage answers lookups from the local database file. It starts
// disabled when the file is missing and picks the file up once it appears.
type RegionStorage struct {
	path     string
	db       *maxminddb.Reader
	disabled bool
	lock     sync.RWMutex

	cache *networkCache
}

var _ RegionSource = &RegionStorage{}

func NewRegionStorage(path string, cacheSize int) *RegionStorage {
	s := &RegionStorage{
		path:  path,
		cache: newNetworkCache(cacheSize),
	}
	if err := s.Reload(); err != nil {
		logrus.Warnf("geoip lookups are disabled until %s is available: %v", path, err)
	}
	return s
}

// Reload reopens the database file. On failure the previously opened
// database stays in use. A disabled storage stays closed.
func (s *RegionStorage) Reload() error {
	if s.isDisabled() {
		return nil
	}
	db, err := maxminddb.Open(s.path)
	if err != nil {
		return errors.Wrapf(err, "unable to open %s", s.path)
	}

	s.lock.Lock()
	if s.disabled {
		s.lock.Unlock()
		db.Close()
		return nil
	}
	old := s.db
	s.db = db
	s.cache.reset()
	s.lock.Unlock()

	if old != nil {
		old.Close()
	}
	logrus.Infof("loaded geoip database %s, built %s", s.path,
		time.Unix(int64(db.Metadata.BuildEpoch), 0).UTC().Format(time.RFC3339))

	return nil
}

// Disable turns lookups off for the rest of the process lifetime.
func (s *RegionStorage) Disable() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.disabled = true
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	s.cache.reset()
}

func (s *RegionStorage) Enabled() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return !s.disabled && s.db != nil
}

func (s *RegionStorage) LastUpdated() time.Time {
	info, err := os.Stat(s.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func (s *RegionStorage) Lookup(address string) *Region {
	ip := net.ParseIP(address)
	if ip == nil {
		return nil
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	if s.disabled || s.db == nil {
		return nil
	}

	ipv4 := ip.To4()
	if ipv4 != nil {
		if region, ok := s.cache.find(ipv4ToUint32(ipv4)); ok {
			return region
		}
	}

	var record cityRecord
	network, found, err := s.db.LookupNetwork(ip, &record)
	if err != nil {
		logrus.Debugf("geoip lookup of %s failed: %v", address, err)
		return nil
	}
	if !found {
		return nil
	}

	region := record.region()
	if ipv4 != nil && network != nil {
		if start, end, err := ipv4NetworkRange(network); err == nil {
			s.cache.insert(start, end, region)
			logrus.Debugf("cached network %s-%s", uint32toIPv4String(start), uint32toIPv4String(end))
		}
	}
	return region
}

// Watch reloads the database whenever the file is written or moved into
// place. It watches the directory since replacements swap the inode.
func (s *RegionStorage) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "unable to create file watcher")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		watcher.Close()
		return errors.Wrap(err, "unable to create data dir")
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "unable to watch %s", dir)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
					continue
				}
				if err := s.Reload(); err != nil {
					logrus.Warnf("geoip database changed but could not be reloaded: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logrus.Warnf("geoip file watcher: %v", err)
			}
		}
	}()

	return nil
}

func (s *RegionStorage) isDisabled() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.disabled
}

func (s *RegionStorage) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// networkCache keeps resolved IPv4 networks in a tree of start addresses,
// each holding a subtree of end addresses. Database networks never overlap,
// so the closest start at or below an address is the only candidate.
type networkCache struct {
	tree  *btree.BTree
	size  int
	limit int
	lock  sync.Mutex
}

func newNetworkCache(limit int) *networkCache {
	return &networkCache{
		tree:  btree.New(2),
		limit: limit,
	}
}

func (c *networkCache) find(ip uint32) (*Region, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	var out *Region
	c.tree.DescendLessOrEqual(&btree.Item{
		Key: ip,
	}, func(item *btree.Item) bool {
		item.SubTree.AscendGreaterOrEqual(&btree.Item{
			Key: ip,
		}, func(item *btree.Item) bool {
			out = item.Payload.(*Region)
			return false
		})
		return false
	})

	return out, out != nil
}

func (c *networkCache) insert(start, end uint32, region *Region) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.limit > 0 && c.size >= c.limit {
		c.tree = btree.New(2)
		c.size = 0
	}

	var ends *btree.BTree
	c.tree.DescendLessOrEqual(&btree.Item{
		Key: start,
	}, func(item *btree.Item) bool {
		if item.Key == start {
			ends = item.SubTree
		}
		return false
	})
	if ends == nil {
		ends = btree.New(2)
		c.tree.ReplaceOrInsert(&btree.Item{
			Key:     start,
			SubTree: ends,
		})
	}
	ends.ReplaceOrInsert(&btree.Item{
		Key:     end,
		Payload: region,
	})
	c.size++
}

func (c *networkCache) reset() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.tree = btree.New(2)
	c.size = 0
}

func (c *networkCache) len() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	n := 0
	c.tree.Ascend(func(i *btree.Item) bool {
		if i.SubTree != nil {
			n += i.SubTree.Len()
		}
		return true
	})
	return n
}
