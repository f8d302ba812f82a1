package engine

import "fmt"

// Messages produces the human readable text written next to a status
type Messages interface {
	Scheduled() string
	ProcessingPage(page, total int) string
	Processed(total int) string
	Cancelled() string
	// QueuedRotation is shown while a version waits in the queue
	QueuedRotation() []string
}

// NewMessages returns the catalogue for locale, falling back to English
func NewMessages(locale string) Messages {
	switch locale {
	case "zh-TW", "zh_TW", "zh-Hant":
		return traditionalChinese{}
	default:
		return english{}
	}
}

type english struct{}

func (english) Scheduled() string { return "Queued for processing" }

func (english) ProcessingPage(page, total int) string {
	return fmt.Sprintf("processing page %d/%d", page, total)
}

func (english) Processed(total int) string { return fmt.Sprintf("Processed %d pages", total) }

func (english) Cancelled() string { return "processing cancelled" }

func (english) QueuedRotation() []string {
	return []string{
		"Converting document...",
		"Optimizing for viewing...",
		"Preparing preview...",
		"Almost ready...",
	}
}

type traditionalChinese struct{}

func (traditionalChinese) Scheduled() string { return "正在處理文件..." }

func (traditionalChinese) ProcessingPage(page, total int) string {
	return fmt.Sprintf("正在處理第 %d/%d 頁", page, total)
}

func (traditionalChinese) Processed(total int) string { return fmt.Sprintf("已處理 %d 頁", total) }

func (traditionalChinese) Cancelled() string { return "處理已取消" }

func (traditionalChinese) QueuedRotation() []string {
	return []string{
		"正在轉換文件...",
		"正在最佳化檢視...",
		"正在準備預覽...",
		"即將完成...",
	}
}
