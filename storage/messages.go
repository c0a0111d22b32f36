package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"mailbridge/models"
)

// MessageFlags is the existence-index entry returned by RecentRemoteIDs:
// enough to decide whether a remote id needs inserting or only a flag
// correction.
type MessageFlags struct {
	MessageID int64
	IsSent    bool
	IsDraft   bool
	IsStarred bool
	IsRead    bool
}

func encodeAddresses(addrs []models.EmailAddress) (string, error) {
	if addrs == nil {
		addrs = []models.EmailAddress{}
	}
	raw, err := json.Marshal(addrs)
	if err != nil {
		return "", fmt.Errorf("encode addresses: %w", err)
	}
	return string(raw), nil
}

func decodeAddresses(raw string) ([]models.EmailAddress, error) {
	if raw == "" {
		return nil, nil
	}
	var addrs []models.EmailAddress
	if err := json.Unmarshal([]byte(raw), &addrs); err != nil {
		return nil, fmt.Errorf("decode addresses: %w", err)
	}
	if len(addrs) == 0 {
		return nil, nil
	}
	return addrs, nil
}

// InsertMessage caches a message together with its attachments in one
// transaction. A remote id that is already cached (including one racing
// in from a concurrent sync pass) yields ErrDuplicateMessage and leaves
// the existing row untouched.
func (s *Store) InsertMessage(ctx context.Context, msg *models.CachedMessage) error {
	toRaw, err := encodeAddresses(msg.To)
	if err != nil {
		return err
	}
	ccRaw, err := encodeAddresses(msg.Cc)
	if err != nil {
		return err
	}
	bccRaw, err := encodeAddresses(msg.Bcc)
	if err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert message: %w", err)
	}
	defer tx.Rollback()

	var date sql.NullInt64
	if msg.Date != nil {
		date = sql.NullInt64{Int64: msg.Date.Unix(), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
        INSERT INTO messages (remote_id, account_id, thread_id, internet_message_id, subject,
            from_name, from_address, to_addresses, cc_addresses, bcc_addresses,
            date, body_html, is_sent, is_draft, is_starred, is_read, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.RemoteID, msg.AccountID, msg.ThreadID, msg.InternetMessageID, msg.Subject,
		msg.From.Name, msg.From.Address, toRaw, ccRaw, bccRaw,
		date, msg.BodyHTML,
		boolInt(msg.IsSent), boolInt(msg.IsDraft), boolInt(msg.IsStarred), boolInt(msg.IsRead),
		msg.CreatedAt.Unix())
	if isUniqueViolation(err) {
		return ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	msg.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("message id: %w", err)
	}

	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		att.MessageID = msg.ID
		if att.Size == 0 {
			att.Size = len(att.Data)
		}
		res, err := tx.ExecContext(ctx, `
            INSERT INTO attachments (message_id, filename, content_type, content_id, data, size)
            VALUES (?, ?, ?, ?, ?, ?)`,
			att.MessageID, att.Filename, att.ContentType, att.ContentID, att.Data, att.Size)
		if err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
		if att.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("attachment id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert message: %w", err)
	}
	return nil
}

// RecentRemoteIDs builds the existence index used for deduplication:
// every cached remote id for the account whose message is dated (or,
// when undated, cached) after the cutoff, with its current folder flags.
func (s *Store) RecentRemoteIDs(ctx context.Context, accountID int64, cutoff time.Time) (map[string]MessageFlags, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT remote_id, id, is_sent, is_draft, is_starred, is_read
        FROM messages
        WHERE account_id = ? AND COALESCE(date, created_at) >= ?`,
		accountID, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("recent remote ids: %w", err)
	}
	defer rows.Close()

	index := make(map[string]MessageFlags)
	for rows.Next() {
		var (
			remoteID                  string
			flags                     MessageFlags
			sent, draft, starred, rd  int
		)
		if err := rows.Scan(&remoteID, &flags.MessageID, &sent, &draft, &starred, &rd); err != nil {
			return nil, fmt.Errorf("scan remote id: %w", err)
		}
		flags.IsSent = sent != 0
		flags.IsDraft = draft != 0
		flags.IsStarred = starred != 0
		flags.IsRead = rd != 0
		index[remoteID] = flags
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent remote ids: %w", err)
	}
	return index, nil
}

// ApplyFolderFlag sets a single folder flag on an already-cached
// message, used when a later listing shows the message in a folder its
// cached row does not yet reflect.
func (s *Store) ApplyFolderFlag(ctx context.Context, messageID int64, folder models.Folder, value bool) error {
	var column string
	switch folder {
	case models.FolderSent:
		column = "is_sent"
	case models.FolderDrafts:
		column = "is_draft"
	case models.FolderStarred:
		column = "is_starred"
	case models.FolderInbox:
		return nil
	default:
		return fmt.Errorf("apply folder flag: unknown folder %q", folder)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET `+column+` = ? WHERE id = ?`, boolInt(value), messageID)
	if err != nil {
		return fmt.Errorf("apply folder flag: %w", err)
	}
	return requireRow(res)
}

// MarkRead sets the read flag on a cached message.
func (s *Store) MarkRead(ctx context.Context, messageID int64, read bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read = ? WHERE id = ?`, boolInt(read), messageID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return requireRow(res)
}

// UpdateMessageBody replaces the stored HTML, used after inline images
// are resolved against freshly downloaded attachments.
func (s *Store) UpdateMessageBody(ctx context.Context, messageID int64, bodyHTML string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET body_html = ? WHERE id = ?`, bodyHTML, messageID)
	if err != nil {
		return fmt.Errorf("update message body: %w", err)
	}
	return requireRow(res)
}

const messageColumns = `
    SELECT id, remote_id, account_id, thread_id, internet_message_id, subject,
           from_name, from_address, to_addresses, cc_addresses, bcc_addresses,
           date, body_html, is_sent, is_draft, is_starred, is_read, created_at
    FROM messages`

func scanMessage(row rowScanner) (*models.CachedMessage, error) {
	var (
		msg          models.CachedMessage
		toRaw        string
		ccRaw        string
		bccRaw       string
		date         sql.NullInt64
		sent, draft  int
		starred, rd  int
		created      int64
	)
	err := row.Scan(&msg.ID, &msg.RemoteID, &msg.AccountID, &msg.ThreadID,
		&msg.InternetMessageID, &msg.Subject,
		&msg.From.Name, &msg.From.Address, &toRaw, &ccRaw, &bccRaw,
		&date, &msg.BodyHTML, &sent, &draft, &starred, &rd, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if msg.To, err = decodeAddresses(toRaw); err != nil {
		return nil, err
	}
	if msg.Cc, err = decodeAddresses(ccRaw); err != nil {
		return nil, err
	}
	if msg.Bcc, err = decodeAddresses(bccRaw); err != nil {
		return nil, err
	}
	if date.Valid {
		d := time.Unix(date.Int64, 0).UTC()
		msg.Date = &d
	}
	msg.IsSent = sent != 0
	msg.IsDraft = draft != 0
	msg.IsStarred = starred != 0
	msg.IsRead = rd != 0
	msg.CreatedAt = time.Unix(created, 0).UTC()
	return &msg, nil
}

// folderPredicate returns the WHERE fragment selecting messages shown
// in a folder. Inbox is everything not sent and not draft.
func folderPredicate(folder models.Folder) (string, error) {
	switch folder {
	case models.FolderInbox:
		return "is_sent = 0 AND is_draft = 0", nil
	case models.FolderSent:
		return "is_sent = 1", nil
	case models.FolderDrafts:
		return "is_draft = 1", nil
	case models.FolderStarred:
		return "is_starred = 1", nil
	default:
		return "", fmt.Errorf("list messages: unknown folder %q", folder)
	}
}

// ListMessages returns one page of a folder, newest first. Messages
// without a parseable date sort by cache time instead.
func (s *Store) ListMessages(ctx context.Context, accountID int64, folder models.Folder, limit, offset int) ([]*models.CachedMessage, error) {
	predicate, err := folderPredicate(folder)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		messageColumns+` WHERE account_id = ? AND `+predicate+`
        ORDER BY COALESCE(date, created_at) DESC, id DESC
        LIMIT ? OFFSET ?`,
		accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.CachedMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if err := s.attachMeta(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// CountMessages returns the folder's total, for pagination.
func (s *Store) CountMessages(ctx context.Context, accountID int64, folder models.Folder) (int, error) {
	predicate, err := folderPredicate(folder)
	if err != nil {
		return 0, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE account_id = ? AND `+predicate, accountID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// GetMessage loads a cached message with its attachment metadata
// (attachment bytes load separately through GetAttachment).
func (s *Store) GetMessage(ctx context.Context, messageID int64) (*models.CachedMessage, error) {
	row := s.db.QueryRowContext(ctx, messageColumns+` WHERE id = ?`, messageID)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	if err := s.attachMeta(ctx, []*models.CachedMessage{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetMessageByRemoteID looks the cache up by provider id.
func (s *Store) GetMessageByRemoteID(ctx context.Context, accountID int64, remoteID string) (*models.CachedMessage, error) {
	row := s.db.QueryRowContext(ctx,
		messageColumns+` WHERE account_id = ? AND remote_id = ?`, accountID, remoteID)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	if err := s.attachMeta(ctx, []*models.CachedMessage{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

// attachMeta fills HasAttachments and attachment metadata (without the
// blob column) for the given messages.
func (s *Store) attachMeta(ctx context.Context, messages []*models.CachedMessage) error {
	for _, msg := range messages {
		rows, err := s.db.QueryContext(ctx, `
            SELECT id, message_id, filename, content_type, content_id, size
            FROM attachments WHERE message_id = ? ORDER BY id`, msg.ID)
		if err != nil {
			return fmt.Errorf("list attachments: %w", err)
		}
		for rows.Next() {
			var att models.Attachment
			if err := rows.Scan(&att.ID, &att.MessageID, &att.Filename,
				&att.ContentType, &att.ContentID, &att.Size); err != nil {
				rows.Close()
				return fmt.Errorf("scan attachment: %w", err)
			}
			msg.Attachments = append(msg.Attachments, att)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("list attachments: %w", err)
		}
		rows.Close()
		msg.HasAttachments = len(msg.Attachments) > 0
	}
	return nil
}

// GetAttachment loads a single attachment including its bytes, checking
// through the message and account that it belongs to the given user.
func (s *Store) GetAttachment(ctx context.Context, userID string, attachmentID int64) (*models.Attachment, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT a.id, a.message_id, a.filename, a.content_type, a.content_id, a.data, a.size
        FROM attachments a
        JOIN messages m ON m.id = a.message_id
        JOIN accounts acc ON acc.id = m.account_id
        WHERE a.id = ? AND acc.user_id = ?`, attachmentID, userID)

	var att models.Attachment
	err := row.Scan(&att.ID, &att.MessageID, &att.Filename, &att.ContentType,
		&att.ContentID, &att.Data, &att.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan attachment: %w", err)
	}
	return &att, nil
}
