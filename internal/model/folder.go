package model

import "fmt"

// Folder 邮件列表上的命名视图
type Folder string

const (
	FolderInbox     Folder = "inbox"
	FolderSent      Folder = "sent"
	FolderScheduled Folder = "scheduled"
	FolderStarred   Folder = "starred"
	FolderTrash     Folder = "trash"
)

// Folders 全部文件夹
var Folders = []Folder{FolderInbox, FolderSent, FolderScheduled, FolderStarred, FolderTrash}

// ParseFolder 校验文件夹名
func ParseFolder(name string) (Folder, error) {
	for _, f := range Folders {
		if string(f) == name {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown folder %q", name)
}
