package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// --- folder info ---

// Info returns the folder-level metadata row.
func (s *Store) Info(ctx context.Context) (*FolderInfo, error) {
	if !s.isOpen() {
		return nil, ErrNotOpen
	}

	var info FolderInfo
	var created, lastScan int64
	err := s.db.QueryRowContext(ctx,
		`SELECT model_id, dims, created_at, last_scan_at, scan_generation FROM folder_info WHERE id = 1`).
		Scan(&info.ModelID, &info.Dims, &created, &lastScan, &info.ScanGeneration)
	if err != nil {
		return nil, fmt.Errorf("read folder info: %w", err)
	}
	info.CreatedAt = time.Unix(created, 0)
	if lastScan > 0 {
		info.LastScanAt = time.Unix(lastScan, 0)
	}
	info.SchemaVersion = s.schemaVersion
	return &info, nil
}

// SetModel pins the folder to a model and its dimensionality.
func (s *Store) SetModel(ctx context.Context, modelID string, dims int) error {
	if !s.isOpen() {
		return ErrNotOpen
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE folder_info SET model_id = ?, dims = ? WHERE id = 1`, modelID, dims)
	return err
}

// BumpScanGeneration starts a new scan generation and stamps the scan time.
// Returns the new generation.
func (s *Store) BumpScanGeneration(ctx context.Context) (int64, error) {
	if !s.isOpen() {
		return 0, ErrNotOpen
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE folder_info SET scan_generation = scan_generation + 1, last_scan_at = ? WHERE id = 1`,
		time.Now().Unix())
	if err != nil {
		return 0, err
	}
	var gen int64
	err = s.db.QueryRowContext(ctx, `SELECT scan_generation FROM folder_info WHERE id = 1`).Scan(&gen)
	return gen, err
}

// --- file state ---

// UpsertFile writes one file-state row, preserving discovered_at on update.
func (s *Store) UpsertFile(ctx context.Context, rec FileRecord) error {
	if !s.isOpen() {
		return ErrNotOpen
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_state (path, fingerprint, size, mtime, discovered_at, state, failure_reason, scan_generation)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			size = excluded.size,
			mtime = excluded.mtime,
			state = excluded.state,
			failure_reason = excluded.failure_reason,
			scan_generation = excluded.scan_generation`,
		rec.Path, rec.Fingerprint, rec.Size, rec.ModTime.Unix(),
		orNow(rec.DiscoveredAt).Unix(), string(rec.State), rec.FailureReason, rec.ScanGeneration)
	return err
}

// GetFile returns the file-state row for a path, or nil.
func (s *Store) GetFile(ctx context.Context, path string) (*FileRecord, error) {
	if !s.isOpen() {
		return nil, ErrNotOpen
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT path, fingerprint, size, mtime, discovered_at, COALESCE(last_processed_at, 0), state, failure_reason, scan_generation
		 FROM file_state WHERE path = ?`, path)
	rec, err := scanFileRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListFilesByState returns file-state rows in the given state, path order.
// This is the materialized work queue: resumption reads pending rows from
// here, never from memory.
func (s *Store) ListFilesByState(ctx context.Context, state FileState) ([]*FileRecord, error) {
	if !s.isOpen() {
		return nil, ErrNotOpen
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, fingerprint, size, mtime, discovered_at, COALESCE(last_processed_at, 0), state, failure_reason, scan_generation
		 FROM file_state WHERE state = ? ORDER BY path`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FileRecord
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AllFiles returns every file-state row keyed by path.
func (s *Store) AllFiles(ctx context.Context) (map[string]*FileRecord, error) {
	if !s.isOpen() {
		return nil, ErrNotOpen
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, fingerprint, size, mtime, discovered_at, COALESCE(last_processed_at, 0), state, failure_reason, scan_generation
		 FROM file_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*FileRecord)
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.Path] = rec
	}
	return out, rows.Err()
}

// ResetProcessing flips processing rows back to pending. Crash recovery:
// a file observed processing at startup belongs to a dead worker.
func (s *Store) ResetProcessing(ctx context.Context) (int64, error) {
	if !s.isOpen() {
		return 0, ErrNotOpen
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE file_state SET state = ? WHERE state = ?`,
		string(FileStatePending), string(FileStateProcessing))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkProcessing transitions a file to processing.
func (s *Store) MarkProcessing(ctx context.Context, path string) error {
	return s.setFileState(ctx, path, FileStateProcessing, "")
}

// MarkFailed records a per-file failure without touching anything else;
// partial chunk or vector state from the failed attempt is never visible
// because the result transaction that would have written it rolled back.
func (s *Store) MarkFailed(ctx context.Context, path, reason string) error {
	return s.setFileState(ctx, path, FileStateFailed, reason)
}

// MarkSkipped records an unsupported file. Skipped is not an error state.
func (s *Store) MarkSkipped(ctx context.Context, path, reason string) error {
	return s.setFileState(ctx, path, FileStateSkipped, reason)
}

func (s *Store) setFileState(ctx context.Context, path string, state FileState, reason string) error {
	if !s.isOpen() {
		return ErrNotOpen
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE file_state SET state = ?, failure_reason = ?, last_processed_at = ? WHERE path = ?`,
		string(state), reason, time.Now().Unix(), path)
	return err
}

// DeleteFile removes the file-state row and its document (cascading to
// chunks and their vectors) in one transaction.
func (s *Store) DeleteFile(ctx context.Context, path string) error {
	if !s.isOpen() {
		return ErrNotOpen
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_state WHERE path = ?`, path); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, path); err != nil {
		return err
	}
	return tx.Commit()
}

// RenameFile moves a path in both file_state and documents without touching
// chunks or vectors: a rename with an unchanged fingerprint is a path
// update, not a re-embed.
func (s *Store) RenameFile(ctx context.Context, oldPath, newPath string) error {
	if !s.isOpen() {
		return ErrNotOpen
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE file_state SET path = ? WHERE path = ?`, newPath, oldPath); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET path = ? WHERE path = ?`, newPath, oldPath); err != nil {
		return err
	}
	return tx.Commit()
}

// Counts summarizes file_state by state.
func (s *Store) Counts(ctx context.Context) (StateCounts, error) {
	var c StateCounts
	if !s.isOpen() {
		return c, ErrNotOpen
	}
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM file_state GROUP BY state`)
	if err != nil {
		return c, err
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return c, err
		}
		switch FileState(state) {
		case FileStatePending:
			c.Pending = n
		case FileStateProcessing:
			c.Processing = n
		case FileStateDone:
			c.Done = n
		case FileStateFailed:
			c.Failed = n
		case FileStateSkipped:
			c.Skipped = n
		}
	}
	return c, rows.Err()
}

// --- documents and chunks ---

// ApplyFileResult commits one file's outcome atomically: replace the
// document, write chunks with their vectors, mark the file done. Chunks with
// empty key phrases are rejected here as the last line of defense.
func (s *Store) ApplyFileResult(ctx context.Context, res *FileResult) error {
	if !s.isOpen() {
		return ErrNotOpen
	}
	for i := range res.Chunks {
		if len(res.Chunks[i].KeyPhrases) == 0 {
			return fmt.Errorf("chunk %d of %s has no key phrases", i, res.Document.Path)
		}
		if res.Chunks[i].Embedding == nil {
			return fmt.Errorf("chunk %d of %s has no embedding", i, res.Document.Path)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Replace any previous extraction of this path; chunk rows cascade.
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, res.Document.Path); err != nil {
		return err
	}

	var pageCount any
	if res.Document.PageCount > 0 {
		pageCount = res.Document.PageCount
	}
	pagesJSON, _ := json.Marshal(res.Document.Pages)
	sqlRes, err := tx.ExecContext(ctx,
		`INSERT INTO documents (path, text_length, page_count, pages, language, mtime, extracted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		res.Document.Path, res.Document.TextLength, pageCount, string(pagesJSON),
		res.Document.Language, res.Document.ModTime.Unix(), orNow(res.Document.ExtractedAt).Unix())
	if err != nil {
		return err
	}
	docID, err := sqlRes.LastInsertId()
	if err != nil {
		return err
	}
	res.Document.ID = docID

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (document_id, chunk_index, start_offset, end_offset, token_estimate, page,
			text, key_phrases, topics, readability, embedding, model_id, dims)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range res.Chunks {
		ch := &res.Chunks[i]
		ch.DocumentID = docID
		phrases, _ := json.Marshal(ch.KeyPhrases)
		topics, _ := json.Marshal(ch.Topics)
		if _, err := stmt.ExecContext(ctx,
			docID, ch.Index, ch.Start, ch.End, ch.TokenEstimate, ch.Page,
			ch.Text, string(phrases), string(topics), ch.Readability,
			encodeVector(ch.Embedding), ch.ModelID, ch.Dims); err != nil {
			return err
		}
	}

	res.File.State = FileStateDone
	if _, err := tx.ExecContext(ctx,
		`UPDATE file_state SET state = ?, failure_reason = '', last_processed_at = ? WHERE path = ?`,
		string(FileStateDone), time.Now().Unix(), res.File.Path); err != nil {
		return err
	}

	return tx.Commit()
}

// GetDocumentByID returns the document for an id, or nil.
func (s *Store) GetDocumentByID(ctx context.Context, id int64) (*DocumentRecord, error) {
	if !s.isOpen() {
		return nil, ErrNotOpen
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT d.id, d.path, d.text_length, COALESCE(d.page_count, 0), d.pages, d.language, d.mtime, d.extracted_at,
			(SELECT COUNT(*) FROM chunks c WHERE c.document_id = d.id)
		 FROM documents d WHERE d.id = ?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return doc, err
}

// GetDocumentByPath returns the document for a relative path, or nil.
func (s *Store) GetDocumentByPath(ctx context.Context, path string) (*DocumentRecord, error) {
	if !s.isOpen() {
		return nil, ErrNotOpen
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT d.id, d.path, d.text_length, COALESCE(d.page_count, 0), d.pages, d.language, d.mtime, d.extracted_at,
			(SELECT COUNT(*) FROM chunks c WHERE c.document_id = d.id)
		 FROM documents d WHERE d.path = ?`, path)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return doc, err
}

// ListDocuments pages through documents ordered by path. cursor is the last
// path of the previous page; empty starts at the beginning.
func (s *Store) ListDocuments(ctx context.Context, cursor string, limit int) ([]*DocumentRecord, string, error) {
	if !s.isOpen() {
		return nil, "", ErrNotOpen
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.path, d.text_length, COALESCE(d.page_count, 0), d.pages, d.language, d.mtime, d.extracted_at,
			(SELECT COUNT(*) FROM chunks c WHERE c.document_id = d.id)
		 FROM documents d WHERE d.path > ? ORDER BY d.path LIMIT ?`, cursor, limit+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var out []*DocumentRecord
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].Path
	}
	return out, next, nil
}

// RecentDocuments returns the most recently modified documents, newest
// first. The search fallback scans these.
func (s *Store) RecentDocuments(ctx context.Context, limit int) ([]*DocumentRecord, error) {
	if !s.isOpen() {
		return nil, ErrNotOpen
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.path, d.text_length, COALESCE(d.page_count, 0), d.pages, d.language, d.mtime, d.extracted_at,
			(SELECT COUNT(*) FROM chunks c WHERE c.document_id = d.id)
		 FROM documents d ORDER BY d.mtime DESC, d.path LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DocumentRecord
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// GetChunks returns a document's chunks in index order, optionally sliced to
// [from, to] inclusive when to >= from >= 0.
func (s *Store) GetChunks(ctx context.Context, documentID int64, from, to int) ([]*ChunkRecord, error) {
	if !s.isOpen() {
		return nil, ErrNotOpen
	}
	query := `SELECT document_id, chunk_index, start_offset, end_offset, token_estimate, page,
			text, key_phrases, topics, readability, embedding, model_id, dims
		 FROM chunks WHERE document_id = ?`
	args := []any{documentID}
	if from >= 0 && to >= from {
		query += ` AND chunk_index BETWEEN ? AND ?`
		args = append(args, from, to)
	}
	query += ` ORDER BY chunk_index`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ChunkRecord
	for rows.Next() {
		ch, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// GetChunk returns one chunk by key, or nil.
func (s *Store) GetChunk(ctx context.Context, documentID int64, index int) (*ChunkRecord, error) {
	chunks, err := s.GetChunks(ctx, documentID, index, index)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	return chunks[0], nil
}

// --- counts and embeddings ---

// EmbeddingCount answers "how many embeddings does this folder have" from
// the chunks table. Zero through an open store is authoritative ("no prior
// work"); a closed store yields ErrNotOpen, never zero, so transient
// failures cannot trigger a rebuild.
func (s *Store) EmbeddingCount(ctx context.Context) (int, error) {
	if !s.isOpen() {
		return 0, ErrNotOpen
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}

// ChunkCount returns the number of chunks in the folder.
func (s *Store) ChunkCount(ctx context.Context) (int, error) {
	if !s.isOpen() {
		return 0, ErrNotOpen
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n, err
}

// DocumentCount returns the number of documents in the folder.
func (s *Store) DocumentCount(ctx context.Context) (int, error) {
	if !s.isOpen() {
		return 0, ErrNotOpen
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

// ForEachEmbedding streams every (chunk key, vector) pair; the ANN index is
// rebuilt from this, never the other way around.
func (s *Store) ForEachEmbedding(ctx context.Context, fn func(key string, vec []float32) error) error {
	if !s.isOpen() {
		return ErrNotOpen
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, chunk_index, embedding FROM chunks WHERE embedding IS NOT NULL`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var docID int64
		var idx int
		var blob []byte
		if err := rows.Scan(&docID, &idx, &blob); err != nil {
			return err
		}
		if err := fn(ChunkKey(docID, idx), decodeVector(blob)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// RequeueDone re-pins the folder model and moves done files back to
// pending in one transaction. Chunk rows and their vectors stay in place
// until each file's re-embed replaces them atomically, so the vector/chunk
// bijection holds at every observable point of a model swap.
func (s *Store) RequeueDone(ctx context.Context, newModelID string, newDims int) error {
	if !s.isOpen() {
		return ErrNotOpen
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE folder_info SET model_id = ?, dims = ? WHERE id = 1`, newModelID, newDims); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE file_state SET state = ? WHERE state = ? OR state = ?`,
		string(FileStatePending), string(FileStateDone), string(FileStateFailed)); err != nil {
		return err
	}
	return tx.Commit()
}

// GetState reads a runtime state value; missing keys return "".
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	if !s.isOpen() {
		return "", ErrNotOpen
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// SetState writes a runtime state value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	if !s.isOpen() {
		return ErrNotOpen
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileRecord(row rowScanner) (*FileRecord, error) {
	var rec FileRecord
	var state string
	var mtime, discovered, processed int64
	if err := row.Scan(&rec.Path, &rec.Fingerprint, &rec.Size, &mtime, &discovered,
		&processed, &state, &rec.FailureReason, &rec.ScanGeneration); err != nil {
		return nil, err
	}
	rec.ModTime = time.Unix(mtime, 0)
	rec.DiscoveredAt = time.Unix(discovered, 0)
	if processed > 0 {
		rec.LastProcessedAt = time.Unix(processed, 0)
	}
	rec.State = FileState(state)
	return &rec, nil
}

func scanDocument(row rowScanner) (*DocumentRecord, error) {
	var doc DocumentRecord
	var mtime, extracted int64
	var pages string
	if err := row.Scan(&doc.ID, &doc.Path, &doc.TextLength, &doc.PageCount, &pages,
		&doc.Language, &mtime, &extracted, &doc.ChunkCount); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(pages), &doc.Pages)
	doc.ModTime = time.Unix(mtime, 0)
	doc.ExtractedAt = time.Unix(extracted, 0)
	return &doc, nil
}

func scanChunk(row rowScanner) (*ChunkRecord, error) {
	var ch ChunkRecord
	var phrases, topics string
	var blob []byte
	if err := row.Scan(&ch.DocumentID, &ch.Index, &ch.Start, &ch.End, &ch.TokenEstimate,
		&ch.Page, &ch.Text, &phrases, &topics, &ch.Readability, &blob, &ch.ModelID, &ch.Dims); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(phrases), &ch.KeyPhrases)
	_ = json.Unmarshal([]byte(topics), &ch.Topics)
	ch.Embedding = decodeVector(blob)
	return &ch, nil
}

// encodeVector packs float32s little-endian.
func encodeVector(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks an embedding blob; nil for empty.
func decodeVector(buf []byte) []float32 {
	if len(buf) == 0 {
		return nil
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
