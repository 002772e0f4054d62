package cache

import "fmt"

// 键语义（{docID} 是 cluster hash tag，同一文档的键落在同一个 slot，Lua 脚本才能同时操作）：
// - roomKey(docID):            房间成员 ZSET<userId, expireAt>
// - namesKey(docID):           userId→username（Hash）
// - colorsKey(docID):          userId→color（Hash）
// - cursorKey(docID, userID):  成员光标/选区 JSON（String，带 TTL）

const (
	keyRoomFmt   = "presence:{%s}:room"
	keyNamesFmt  = "presence:{%s}:names"
	keyColorsFmt = "presence:{%s}:colors"
	keyCursorFmt = "presence:{%s}:cursor:%s"
)

func roomKey(docID string) string                  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string                 { return fmt.Sprintf(keyNamesFmt, docID) }
func colorsKey(docID string) string                { return fmt.Sprintf(keyColorsFmt, docID) }
func cursorKey(docID string, userID string) string { return fmt.Sprintf(keyCursorFmt, docID, userID) }
