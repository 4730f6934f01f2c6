package store

import (
	"log"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const peerPrefix = "peer/"

func peerKey(url string) []byte { return []byte(peerPrefix + url) }

// PeerRecord 是持久化的 peer 记录，重启后据此恢复注册表。
type PeerRecord struct {
	URL      string `msgpack:"url" json:"url"`
	AddedAt  int64  `msgpack:"added_at" json:"added_at"`
	LastSeen int64  `msgpack:"last_seen" json:"last_seen"`
}

// SavePeer 写入或更新一条 peer 记录。
func (l *DeltaLog) SavePeer(rec PeerRecord) error {
	if rec.AddedAt == 0 {
		rec.AddedAt = time.Now().UnixMilli()
	}
	raw, err := msgpack.Marshal(rec)
	if err != nil {
		return err
	}
	return l.store.Update(func(tx Tx) error {
		return tx.Set(peerKey(rec.URL), raw)
	})
}

// LoadPeers 返回全部已知 peer。
func (l *DeltaLog) LoadPeers() ([]PeerRecord, error) {
	var out []PeerRecord
	err := l.store.View(func(tx Tx) error {
		it := tx.NewIterator(IteratorOptions{Prefix: []byte(peerPrefix)})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix([]byte(peerPrefix)); it.Next() {
			_, val, err := it.Item()
			if err != nil {
				return err
			}
			var rec PeerRecord
			if err := msgpack.Unmarshal(val, &rec); err != nil {
				log.Printf("[DeltaLog] skip corrupt peer record: %v", err)
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// RemovePeer 删除一条 peer 记录。
func (l *DeltaLog) RemovePeer(url string) error {
	return l.store.Update(func(tx Tx) error {
		return tx.Delete(peerKey(url))
	})
}
