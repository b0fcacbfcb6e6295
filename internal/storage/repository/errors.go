// Package repository 存储层领域错误
//
// repository 层负责将底层错误（sql.ErrNoRows、条件更新未命中、
// 唯一键冲突）转换为这些领域错误；storage 包重导出它们，
// 调用方统一通过 storage 包引用。
package repository

import "errors"

var (
	// ErrNotFound 实体不存在
	// 替代 sql.ErrNoRows
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 并发冲突或状态守卫失败
	// 例如：门禁已决、作业已处于终态
	ErrConflict = errors.New("conflict: state already decided")

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID）
	ErrDuplicate = errors.New("duplicate: entity already exists")
)
