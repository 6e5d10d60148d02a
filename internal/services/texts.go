package services

import (
	"fmt"
	"strings"

	"github.com/tbourn/go-kf-bridge/internal/domain"
)

// Command keywords.
var (
	cancelWords = []string{"取消", "返回"}
	helpWords   = []string{"帮助", "help", "/help", "操作指南", "指南"}
	yesWords    = []string{"保存", "是", "Y", "y", "确认", "OK", "ok"}
)

// Reply texts.
const (
	TextBindPrompt    = "请先发送：绑定<Open WebUI 的 API Key>（支持：绑定<key> 或 绑定 sk-xxx）"
	TextBound         = "✅ 已绑定。\n"
	TextImageReceived = "🖼️ 已收到图片。请描述要如何处理（如：把衣服改成红色、去除背景等）。"
	TextImageDone     = "✅ 已生成图片（见上图）"
	TextNoOutput      = "（模型生成中或无输出）"
	TextAck           = "⌛ 已收到请求，正在生成解答…"
	TextNewChat       = "已进入新对话。直接发送你的问题吧～（发送“取消/返回”回主菜单）"
	TextEmptyInput    = "请输入要发送的内容；或“取消/返回”回主菜单。"
	TextNoModel       = "未设置默认模型。请先发 3 选择模型。"
	TextNoModelPicked = "默认模型不可用，且无法自动选择。请发 3 选择模型。"
	TextPickModelHead = "默认模型不可用，请选择模型："

	TextGuide = "🧭 操作指南\n" +
		"• 第一次使用：发送 “绑定<API Key>” 或 “绑定 sk-xxx”\n" +
		"• 新建聊天：回主菜单发 1，或直接输入内容\n" +
		"• 历史对话：发 2 → 选编号 → 自动切入并显示最近10条\n" +
		"• 切换模型：发 3 → 选编号 → 用该模型开启新对话\n" +
		"• 修改标题：发 4 → 选对话 → 输入新标题 → 确认保存\n" +
		"• 返回上一级：任意界面仅输入“取消/返回”\n" +
		"• 说明：若回答含图片，会即时把图片发到微信；历史预览中图片用【图片】占位。"

	menuBody = "📋 主菜单：\n" +
		"1. 新建聊天（直接输入内容也等同 1）\n" +
		"2. 展示历史对话（输入数字即可进入）\n" +
		"3. 选择模型开始新对话（输入数字即可进入）\n" +
		"4. 修改会话标题（输入数字即可进入）\n" +
		"5. 查看操作指南\n" +
		"（在任意界面，仅输入“取消”或“返回”可回到主菜单）"

	textChatsFailed   = "获取历史对话失败：%v"
	textNoChats       = "（暂无历史对话）\n"
	textChatsHead     = "历史对话（置顶优先，输入数字进入）："
	textChatsFoot     = "\n发送编号进入；发送“取消/返回”回主菜单。"
	textModelsFailed  = "获取模型失败：%v"
	textNoModels      = "后端未返回任何模型，请在 OpenWebUI 检查 Provider/Model。"
	textModelsHead    = "可用模型（输入数字选择）："
	textModelsFoot    = "\n发送编号选择；发送“取消/返回”回主菜单。"
	textNoRenames     = "（暂无可修改的对话）\n"
	textRenamesHead   = "选择要修改标题的对话（输入数字）："
	textInvalidIndex  = "编号无效，请重新选择；或发送“取消/返回”。"
	textPickChatHint  = "请直接发送编号选择对话；或发送“取消/返回”。"
	textPickModelHint = "请直接发送编号选择模型；或发送“取消/返回”。"
	textInvalidModel  = "编号无效，请重新选择："
	textRenameHint    = "请直接发送编号选择要修改的对话；或发送“取消/返回”。"
	textRenameAsk     = "请输入新的对话标题（原：%s）。\n发送“取消/返回”可放弃。"
	textTitleEmpty    = "标题不能为空，请重新输入；或发送“取消/返回”。"
	textRenameConfirm = "确认保存吗？\n原：%s\n新：%s\n回复“保存/是”确认；或“取消/返回”放弃。"
	textRenameSaved   = "✅ 已保存。\n（输入“返回/取消”回主菜单）"
	textRenameDropped = "已放弃修改。\n（输入“返回/取消”回主菜单）"
	textRenameDenied  = "保存失败：权限不足（该会话不属于当前 API Key）。请在 WebUI 下同一账号使用，或先用当前 Key 新建会话。"
	textRenameFailed  = "保存失败：%v"
	textBadScratch    = "数据异常，已返回主菜单。"
	textSwitched      = "✅ 已切换到对话：%s\n最近 10 条：\n"
	textSwitchedFoot  = "\n\n现在直接回复即可继续该对话；发送“取消/返回”回主菜单。"
	textNoHistory     = "（无历史消息）"
	textHistoryFailed = "（历史接口不可用或无消息）"
	textModelResume   = "✅ 已切换到模型：%s\n现在继续该对话即可。（“取消/返回”回主菜单）"
	textModelNew      = "✅ 已切换到模型：%s\n已进入新对话，直接发送你的问题吧。（“取消/返回”回主菜单）"
	textGenFailed     = "生成失败：%v"
	textHandleFailed  = "处理失败：%v"
	textModelSwitched = "该会话原模型不可用，已切换为：%s，请重试。"
	textModelNoPick   = "该会话原模型不可用，且无法自动选择。请发“返回”回主菜单。"
	textModelListErr  = "该会话原模型不可用，且获取模型失败：%v\n请发“返回”回主菜单。"

	modelUnset   = "未设置"
	modelUnknown = "未知"
	imageMark    = "【图片】"
	emptyMark    = "（空）"
	youLabel     = "你"
	botLabel     = "助手"
	maxListed    = 200
)

func oneOf(s string, set []string) bool {
	for _, w := range set {
		if s == w {
			return true
		}
	}
	return false
}

// menuText renders the main menu with the current model line.
func menuText(modelName string) string {
	return fmt.Sprintf("（当前默认模型：%s）\n", modelName) + menuBody
}

func chatList(head string, chats []domain.ChatRef, foot string) string {
	var b strings.Builder
	b.WriteString(head)
	for i, c := range chats {
		if i == maxListed {
			break
		}
		pin := ""
		if c.Pinned {
			pin = "📌 "
		}
		fmt.Fprintf(&b, "\n%d. %s%s", i+1, pin, c.Label())
	}
	b.WriteString("\n")
	b.WriteString(foot)
	return b.String()
}

func modelList(head string, models []domain.ModelRef) string {
	var b strings.Builder
	b.WriteString(head)
	for i, m := range models {
		if i == maxListed {
			break
		}
		fmt.Fprintf(&b, "\n%d. %s", i+1, m.Name)
	}
	b.WriteString("\n")
	b.WriteString(textModelsFoot)
	return b.String()
}
