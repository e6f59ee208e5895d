package consensus

//
//        +-----------+  proposal of height H   +-----------+
//   +--> |   Wait    +-----------------------> |   Apply   |
//   |    +-----------+                         +-----+-----+
//   |                                                |  ApplyBlock: metadata tx first, then txs
//   |                                                v
//   |    +-----------+  quorum on block H      +-----------+
//   +----+  Propose  | <-----------------------+   Vote    |
//        +-----------+  (leader of H+1 only)   +-----------+
//
// * every validator signs a vote for block H right after committing it
// * the leader of H+1 finalizes the votes for H and carries them in block H+1
// * other nodes discard the votes for H once block H+1 is committed

//ConsensusState - 共识状态机，负责共识逻辑的推进，main goroutine
//	- RoundState - 当前高度、步骤，以及所有区块的投票集合 VoteStore
//	- State - 最后一个提交的区块之后的链状态
//	- BlockExecutor - 生成提案，执行区块；执行前把BlockMetadata编码成metadata交易注入区块
//  	- Store - 数据持久化，同时提供每个区块对应的验证者集合
//	- Reactor - 在节点之间广播提案和投票
