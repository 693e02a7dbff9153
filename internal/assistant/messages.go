package assistant

// User-facing replies.
const (
	textStart = "Merlin 已甦醒\n\n" +
		"可用指令：\n" +
		"• `/clear` - 清除對話歷史\n" +
		"• `/status` - 查看狀態\n" +
		"• `/abort` - 中止目前任務\n" +
		"• `/memory` - 查看長期記憶\n" +
		"• `/forget` - 清除長期記憶\n" +
		"• `/cc:<command>` - 執行 Claude slash command\n\n" +
		"直接輸入訊息即可與我對話。"

	textCleared       = "對話歷史已清除"
	textError         = "發生錯誤，請稍後再試"
	textRateLimited   = "訊息太頻繁，請 %d 秒後再試"
	textNothingToStop = "目前沒有執行中的任務"
	textAborted       = "已中止目前任務"
	textAbortCleared  = "，並清除 %d 個排隊任務"
	textNoMemories    = "目前沒有任何記憶"
	textMemoryHeader  = "長期記憶 (共 %d 筆)"
	textForgot        = "已刪除 %d 筆記憶"
	textScheduleFail  = "排程任務「%s」執行失敗"
)
