package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const pointerFileName = "__latest_block.json"

// LatestBlock is the durable pointer to the last committed block.
type LatestBlock struct {
	Hash   string `json:"hash"`
	Height int64  `json:"height"`
}

// BlockPointer reads and writes the latest-block file under the node data
// directory. The file is created with zero values before first use and every
// write goes through a temp file plus rename so readers never see a torn
// update.
type BlockPointer struct {
	path string
}

func NewBlockPointer(dataDir string) (*BlockPointer, error) {
	p := &BlockPointer{path: filepath.Join(dataDir, pointerFileName)}
	if _, err := os.Stat(p.path); os.IsNotExist(err) {
		if err := p.write(LatestBlock{Hash: "", Height: 0}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns the stored pointer.
func (p *BlockPointer) Get() (LatestBlock, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return LatestBlock{}, fmt.Errorf("read latest block pointer: %w", err)
	}
	var lb LatestBlock
	if err := json.Unmarshal(raw, &lb); err != nil {
		return LatestBlock{}, fmt.Errorf("decode latest block pointer: %w", err)
	}
	return lb, nil
}

// Set stores hash and height together.
func (p *BlockPointer) Set(hash string, height int64) error {
	return p.write(LatestBlock{Hash: hash, Height: height})
}

func (p *BlockPointer) write(lb LatestBlock) error {
	raw, err := json.Marshal(lb)
	if err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write latest block pointer: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("replace latest block pointer: %w", err)
	}
	return nil
}
